package coordinator

import (
	"testing"

	"mxrelay/internal/message"
)

func TestQueueEnqueueAutoCreates(t *testing.T) {
	t.Parallel()
	q := newChannelQueues()
	ch := ChannelID("!room:example.com")

	if q.hasQueue(ch) {
		t.Fatal("fresh queues should be empty")
	}
	q.enqueue(ch, textMsg(t, "@alice:example.com", "one"))
	if !q.hasQueue(ch) {
		t.Fatal("enqueue should create the queue")
	}
}

func TestQueueInstallAppends(t *testing.T) {
	t.Parallel()
	q := newChannelQueues()
	ch := ChannelID("!room:example.com")

	q.install(ch, nil)
	if q.hasQueue(ch) {
		t.Fatal("installing an empty batch should not create an entry")
	}

	first := textMsg(t, "@alice:example.com", "one")
	second := textMsg(t, "@alice:example.com", "two")
	q.install(ch, []*message.Message{first})
	q.install(ch, []*message.Message{second})

	got := q.drainIfReady(ch, func(UserID) bool { return true })
	if len(got) != 2 || got[0].Text != "one" || got[1].Text != "two" {
		t.Fatalf("drain order wrong: %v", got)
	}
}

func TestDrainIfReadyNotReadyLeavesQueue(t *testing.T) {
	t.Parallel()
	q := newChannelQueues()
	ch := ChannelID("!room:example.com")
	q.enqueue(ch, textMsg(t, "@alice:example.com", "one"))
	q.enqueue(ch, textMsg(t, "@alice:example.com", "two"))

	calls := 0
	var askedPeer UserID
	got := q.drainIfReady(ch, func(peer UserID) bool {
		calls++
		askedPeer = peer
		return false
	})
	if got != nil {
		t.Fatalf("drain while not ready = %v, want nil", got)
	}
	if calls != 1 {
		t.Fatalf("readiness evaluated %d times, want 1", calls)
	}
	if askedPeer != "@alice:example.com" {
		t.Fatalf("readiness asked for %q, want the first message's peer", askedPeer)
	}
	if !q.hasQueue(ch) {
		t.Fatal("queue must stay untouched when not ready")
	}
}

func TestDrainIfReadyDrainsOnce(t *testing.T) {
	t.Parallel()
	q := newChannelQueues()
	ch := ChannelID("!room:example.com")
	q.enqueue(ch, textMsg(t, "@alice:example.com", "one"))
	q.enqueue(ch, textMsg(t, "@alice:example.com", "two"))

	got := q.drainIfReady(ch, func(UserID) bool { return true })
	if len(got) != 2 || got[0].Text != "one" || got[1].Text != "two" {
		t.Fatalf("drain = %v, want both messages in order", got)
	}
	if q.hasQueue(ch) {
		t.Fatal("drained entry must be deleted")
	}

	// A duplicate readiness notification finds nothing; the readiness
	// check must not even run.
	calls := 0
	if again := q.drainIfReady(ch, func(UserID) bool { calls++; return true }); again != nil {
		t.Fatalf("second drain = %v, want nil", again)
	}
	if calls != 0 {
		t.Fatalf("readiness evaluated %d times on absent queue, want 0", calls)
	}
}
