// Package history persists the delivery pipeline's audit trail: one row
// per lifecycle event (queued, sent, failed, channel created/failed,
// duplicate suppressed). The coordinator itself stays in-memory; this
// is operational history, not delivery state.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "mxrelay/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Config configures the history store.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry records one delivery pipeline event.
// Keep it compact and schema-stable.
type Entry struct {
	At        time.Time `json:"at"`
	Topic     string    `json:"topic"`
	MessageID string    `json:"message_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	User      string    `json:"user,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Store is the persistence API used by the recorder and maintenance.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Prune removes entries older than cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
