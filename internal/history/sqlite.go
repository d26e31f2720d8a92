package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	logx "mxrelay/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// sqliteStore keeps history in a single-file SQLite database. Timestamps
// are stored as unix milliseconds so prune cutoffs compare as integers.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: sqlite driver requires path")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// modernc.org/sqlite is not safe for concurrent writers on one
	// connection pool; a single connection sidesteps SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	s := &sqliteStore{
		db:  db,
		log: log.With(logx.String("component", "history"), logx.String("driver", "sqlite")),
	}
	s.log.Info("history store ready", logx.String("path", cfg.Path))
	return s, nil
}

func (s *sqliteStore) Append(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_history (at, topic, message_id, kind, user_id, channel_id, event_id, dropped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.Topic,
		nullStr(e.MessageID), nullStr(e.Kind), nullStr(e.User),
		nullStr(e.Channel), nullStr(e.EventID), e.Dropped, nullStr(e.Error))
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, topic, message_id, kind, user_id, channel_id, event_id, dropped, error
		FROM delivery_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			at                                     int64
			topic                                  string
			msgID, kind, user, channel, evID, serr sql.NullString
			dropped                                int
		)
		if err := rows.Scan(&at, &topic, &msgID, &kind, &user, &channel, &evID, &dropped, &serr); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		out = append(out, Entry{
			At:        time.UnixMilli(at),
			Topic:     topic,
			MessageID: msgID.String,
			Kind:      kind.String,
			User:      user.String,
			Channel:   channel.String,
			EventID:   evID.String,
			Dropped:   dropped,
			Error:     serr.String,
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_history WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("history pruned", logx.Int("removed", int(n)))
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
