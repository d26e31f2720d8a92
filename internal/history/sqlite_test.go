package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mxrelay/internal/coordinator"
	logx "mxrelay/pkg/logx"
)

func TestSQLiteAppendRecentPrune(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		err := st.Append(ctx, Entry{
			At:        base.Add(time.Duration(i) * time.Hour),
			Topic:     coordinator.TopicSent,
			MessageID: string(rune('a' + i)),
			User:      "@amy:example.com",
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := st.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(got))
	}
	// Newest first, round-tripped through the unix-millisecond column.
	if got[0].MessageID != "d" || got[1].MessageID != "c" {
		t.Fatalf("Recent() order = %q, %q, want d, c", got[0].MessageID, got[1].MessageID)
	}
	if !got[0].At.Equal(base.Add(3 * time.Hour)) {
		t.Fatalf("Recent()[0].At = %v, want %v", got[0].At, base.Add(3*time.Hour))
	}
	if got[0].User != "@amy:example.com" {
		t.Fatalf("Recent()[0].User = %q, want @amy:example.com", got[0].User)
	}
	if got[0].Error != "" {
		t.Fatalf("Recent()[0].Error = %q, want empty", got[0].Error)
	}

	removed, err := st.Prune(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("Prune() removed = %d, want 2", removed)
	}

	got, err = st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() after prune returned %d entries, want 2", len(got))
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.Append(context.Background(), Entry{Topic: coordinator.TopicQueued, MessageID: "m1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopen runs the migrations again; IF NOT EXISTS keeps the rows.
	st, err = Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].MessageID != "m1" {
		t.Fatalf("Recent() after reopen = %+v, want the one appended row", got)
	}
}
