package coordinator

import (
	"fmt"

	"mxrelay/internal/message"
)

// pendingRecipients buffers messages for users whose channel creation is
// in flight. The entry's existence is the pending flag: it is set before
// the creation call is issued and cleared, atomically with taking the
// buffer, once the outcome is known. This is what collapses N concurrent
// submissions for one unseen user into a single creation call.
//
// Not goroutine-safe on its own; the coordinator's lock guards it.
type pendingRecipients struct {
	users map[UserID][]*message.Message
}

func newPendingRecipients() *pendingRecipients {
	return &pendingRecipients{users: make(map[UserID][]*message.Message)}
}

func (p *pendingRecipients) isPending(user UserID) bool {
	_, ok := p.users[user]
	return ok
}

// begin marks user as having an in-flight channel creation. Calling it
// for an already-pending user is a caller bug: the check and the begin
// must happen under one lock hold.
func (p *pendingRecipients) begin(user UserID) error {
	if _, ok := p.users[user]; ok {
		return fmt.Errorf("channel creation already pending for %s", user)
	}
	p.users[user] = nil
	return nil
}

// enqueue appends to the user's buffer. The user must already be pending.
func (p *pendingRecipients) enqueue(user UserID, msg *message.Message) error {
	if _, ok := p.users[user]; !ok {
		return fmt.Errorf("user %s is not pending", user)
	}
	p.users[user] = append(p.users[user], msg)
	return nil
}

// takeAndClear removes and returns the user's buffered messages in
// arrival order, clearing the pending flag. Returns nil if the user was
// not pending.
func (p *pendingRecipients) takeAndClear(user UserID) []*message.Message {
	msgs, ok := p.users[user]
	if !ok {
		return nil
	}
	delete(p.users, user)
	return msgs
}

func (p *pendingRecipients) stats() (users, buffered int) {
	for _, msgs := range p.users {
		buffered += len(msgs)
	}
	return len(p.users), buffered
}
