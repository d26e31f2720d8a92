package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "mxrelay/pkg/logx"
)

// fileStore is a JSON Lines implementation: one entry per line, append-only.
// Prune rewrites the file atomically (write temp, rename over).
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	f      *os.File
	enc    *json.Encoder
	closed bool
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history: file driver requires path")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", cfg.Path, err)
	}
	s := &fileStore{
		log:  log.With(logx.String("component", "history"), logx.String("driver", "file")),
		path: cfg.Path,
		f:    f,
		enc:  json.NewEncoder(f),
	}
	s.log.Info("history store ready", logx.String("path", cfg.Path))
	return s, nil
}

func (s *fileStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.enc.Encode(e)
}

func (s *fileStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	entries, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	// Newest first. File order is append order, so walk from the tail.
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrDisabled
	}

	entries, err := s.readAllLocked()
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.rewriteLocked(kept); err != nil {
		return 0, err
	}
	s.log.Info("history pruned",
		logx.Int("removed", removed),
		logx.Int("kept", len(kept)))
	return removed, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// readAllLocked replays the file in append order. Corrupt lines are
// skipped with a warning so one bad write cannot wedge reads forever.
func (s *fileStore) readAllLocked() ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open for read: %w", err)
	}
	defer f.Close()

	var (
		entries []Entry
		bad     int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			bad++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	if bad > 0 {
		s.log.Warn("skipped corrupt history lines", logx.Int("count", bad))
	}
	return entries, nil
}

// rewriteLocked replaces the file contents via temp file + rename, then
// reopens the append handle on the new inode.
func (s *fileStore) rewriteLocked(entries []Entry) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("history: open temp: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("history: write temp: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("history: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history: rename: %w", err)
	}

	s.f.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.closed = true
		return fmt.Errorf("history: reopen after prune: %w", err)
	}
	s.f = nf
	s.enc = json.NewEncoder(nf)
	return nil
}
