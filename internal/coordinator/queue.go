package coordinator

import "mxrelay/internal/message"

// channelQueues holds, per channel, the ordered messages awaiting that
// channel's readiness. A drained entry is deleted, so a duplicate
// readiness notification finds nothing and is a natural no-op.
//
// Not goroutine-safe on its own; the coordinator's lock guards it.
type channelQueues struct {
	queues map[ChannelID][]*message.Message
}

func newChannelQueues() *channelQueues {
	return &channelQueues{queues: make(map[ChannelID][]*message.Message)}
}

func (q *channelQueues) hasQueue(ch ChannelID) bool {
	_, ok := q.queues[ch]
	return ok
}

// install seeds ch's queue with msgs, used when migrating a recipient's
// creation-time buffer onto the concrete channel id. Appends if a queue
// already exists.
func (q *channelQueues) install(ch ChannelID, msgs []*message.Message) {
	if len(msgs) == 0 {
		return
	}
	q.queues[ch] = append(q.queues[ch], msgs...)
}

// enqueue appends one message, creating the queue if absent.
func (q *channelQueues) enqueue(ch ChannelID, msg *message.Message) {
	q.queues[ch] = append(q.queues[ch], msg)
}

// drainIfReady evaluates ready exactly once against the first queued
// message's peer. If ready, it removes and returns the whole queue in
// arrival order and deletes the entry; otherwise it returns nil and
// leaves the queue untouched.
func (q *channelQueues) drainIfReady(ch ChannelID, ready func(peer UserID) bool) []*message.Message {
	msgs, ok := q.queues[ch]
	if !ok || len(msgs) == 0 {
		delete(q.queues, ch)
		return nil
	}
	if !ready(UserID(msgs[0].Recipient.User)) {
		return nil
	}
	delete(q.queues, ch)
	return msgs
}

func (q *channelQueues) stats() (channels, queued int) {
	for _, msgs := range q.queues {
		queued += len(msgs)
	}
	return len(q.queues), queued
}
