// Package coordinator is the delivery core of the relay: an in-memory
// state machine that decides, for every accepted submission, whether it
// can be sent now or must wait for its channel to become ready, while
// deduplicating replayed network events, collapsing concurrent
// submissions for one unseen user into a single channel creation, and
// flushing each channel's queue exactly once per ready transition.
//
// State is process-local and dropped on restart; that is a deliberate
// limitation, not a gap.
package coordinator

import (
	"context"
	"sync"
	"time"

	"mxrelay/internal/eventbus"
	"mxrelay/internal/message"
	logx "mxrelay/pkg/logx"
)

const defaultDedupCacheSize = 1000

// UserID is a recipient user identifier ("@user:server").
type UserID string

// ChannelID is a concrete channel identifier ("!id:server").
type ChannelID string

// Transport is the chat-network surface the coordinator drives.
//
// FindExistingChannel and IsPeerPresentAndSecured answer from locally
// synced state and must not block: they are called with the
// coordinator's lock held. CreateChannel and Send may block; the lock
// is released around them, with the pending flag (for creations) and
// queue-entry removal (for flushes) carrying the exclusivity across the
// blocking call.
type Transport interface {
	CreateChannel(ctx context.Context, user UserID, name string) (ChannelID, error)
	FindExistingChannel(user UserID) (ChannelID, bool)
	IsPeerPresentAndSecured(channel ChannelID, user UserID) bool
	Send(ctx context.Context, channel ChannelID, msg *message.Message) error
}

type Config struct {
	// ChannelName is the display name for channels the relay creates.
	ChannelName string
	// DedupCacheSize bounds the seen-event cache. Default 1000.
	DedupCacheSize int
}

// Coordinator owns all delivery state. One lock serializes every state
// transition; only Transport calls happen outside it.
type Coordinator struct {
	cfg Config
	t   Transport
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	dedup    *eventDedup
	pending  *pendingRecipients
	queues   *channelQueues
	flushing map[ChannelID]bool
}

func New(cfg Config, t Transport, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if cfg.ChannelName == "" {
		cfg.ChannelName = "Notifications"
	}
	return &Coordinator{
		cfg:      cfg,
		t:        t,
		log:      log,
		bus:      bus,
		dedup:    newEventDedup(cfg.DedupCacheSize),
		pending:  newPendingRecipients(),
		queues:   newChannelQueues(),
		flushing: make(map[ChannelID]bool),
	}
}

// Submit accepts one validated message. Accepted means queued or sent,
// not delivered: once this returns nil the message either went out or
// sits in a queue waiting for its channel to become ready.
func (c *Coordinator) Submit(ctx context.Context, msg *message.Message) error {
	if msg == nil || (!msg.Recipient.IsUser() && !msg.Recipient.IsChannel()) {
		c.log.Error("submission with unresolved recipient")
		return ErrUnknownRecipient
	}

	// A known channel sends directly; queued traffic for a channel only
	// ever leaves through the flush path, never through Submit again.
	if msg.Recipient.IsChannel() {
		return c.sendOne(ctx, ChannelID(msg.Recipient.Channel), msg)
	}

	user := UserID(msg.Recipient.User)

	c.mu.Lock()
	if c.pending.isPending(user) {
		// Creation already in flight for this user: buffer and done.
		_ = c.pending.enqueue(user, msg)
		c.mu.Unlock()
		c.log.Debug("buffered behind pending creation",
			logx.String("msg_id", msg.ID), logx.String("user", string(user)))
		c.publish(TopicQueued, msg, "", nil)
		return nil
	}

	if ch, ok := c.t.FindExistingChannel(user); ok {
		msg.Recipient.Channel = string(ch)
		// An undrained queue (or a flush in progress) means older
		// messages for this channel have not gone out yet; join the
		// line so per-channel submission order holds.
		if c.queues.hasQueue(ch) || c.flushing[ch] {
			c.queues.enqueue(ch, msg)
			c.mu.Unlock()
			c.publish(TopicQueued, msg, ch, nil)
			return nil
		}
		if c.t.IsPeerPresentAndSecured(ch, user) {
			c.mu.Unlock()
			c.log.Debug("existing channel ready, sending",
				logx.String("msg_id", msg.ID), logx.String("channel", string(ch)))
			return c.sendOne(ctx, ch, msg)
		}
		c.queues.enqueue(ch, msg)
		c.mu.Unlock()
		c.log.Debug("existing channel not ready, queued",
			logx.String("msg_id", msg.ID), logx.String("channel", string(ch)))
		c.publish(TopicQueued, msg, ch, nil)
		return nil
	}

	// No channel anywhere: this submission owns the creation. The
	// pending flag blocks a second creation for the same user for as
	// long as the call below is in flight.
	_ = c.pending.begin(user)
	_ = c.pending.enqueue(user, msg)
	c.mu.Unlock()
	c.publish(TopicQueued, msg, "", nil)

	ch, err := c.t.CreateChannel(ctx, user, c.cfg.ChannelName)

	c.mu.Lock()
	batch := c.pending.takeAndClear(user)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("channel creation failed",
			logx.String("user", string(user)), logx.Int("dropped", len(batch)), logx.Err(err))
		for _, m := range batch {
			c.publish(TopicFailed, m, "", err)
		}
		cerr := &ChannelCreationError{User: user, Dropped: len(batch), Err: err}
		c.publishCreateFailed(user, len(batch), err)
		return cerr
	}
	for _, m := range batch {
		m.Recipient.Channel = string(ch)
	}
	c.queues.install(ch, batch)
	c.mu.Unlock()

	c.log.Debug("channel created",
		logx.String("user", string(user)), logx.String("channel", string(ch)), logx.Int("queued", len(batch)))
	c.publishCreated(user, ch)

	// The channel may have turned ready while the creation response was
	// in flight (its security event can land first). Check now rather
	// than wait for an event that has already been and gone.
	c.flush(ctx, ch)
	return nil
}

// OnMembershipEvent handles a peer's membership change in a channel.
// The transport filters out the relay's own membership before calling.
// Idempotent under replay.
func (c *Coordinator) OnMembershipEvent(ctx context.Context, eventID string, ch ChannelID, subject UserID, joined bool) {
	c.mu.Lock()
	if !c.dedup.shouldProcess(eventID) {
		c.mu.Unlock()
		c.log.Debug("skipping event already processed", logx.String("event_id", eventID))
		c.publishDuplicate(eventID, ch)
		return
	}
	c.mu.Unlock()
	c.log.Debug("membership event",
		logx.String("event_id", eventID), logx.String("channel", string(ch)),
		logx.String("user", string(subject)), logx.Bool("joined", joined))
	if !joined {
		return
	}
	c.flush(ctx, ch)
}

// OnSecurityEvent handles the channel's security layer turning active.
// Idempotent under replay.
func (c *Coordinator) OnSecurityEvent(ctx context.Context, eventID string, ch ChannelID) {
	c.mu.Lock()
	if !c.dedup.shouldProcess(eventID) {
		c.mu.Unlock()
		c.log.Debug("skipping event already processed", logx.String("event_id", eventID))
		c.publishDuplicate(eventID, ch)
		return
	}
	c.mu.Unlock()
	c.log.Debug("security event",
		logx.String("event_id", eventID), logx.String("channel", string(ch)))
	c.flush(ctx, ch)
}

// flush drains and sends everything queued for ch if ch is ready.
// Readiness is evaluated at drain time against the first queued
// message's peer, never cached. While the sends are in progress new
// arrivals for ch park in a fresh queue; the loop picks them up, so one
// channel's sends never leave submission order.
func (c *Coordinator) flush(ctx context.Context, ch ChannelID) {
	c.mu.Lock()
	if c.flushing[ch] {
		c.mu.Unlock()
		return
	}
	batch := c.queues.drainIfReady(ch, c.readyFn(ch))
	if len(batch) == 0 {
		c.mu.Unlock()
		return
	}
	c.flushing[ch] = true
	c.mu.Unlock()

	for len(batch) > 0 {
		c.log.Info("flushing channel queue",
			logx.String("channel", string(ch)), logx.Int("count", len(batch)))
		for _, m := range batch {
			// A failed send does not block the rest of the batch.
			_ = c.sendOne(ctx, ch, m)
		}
		c.mu.Lock()
		batch = c.queues.drainIfReady(ch, c.readyFn(ch))
		if len(batch) == 0 {
			delete(c.flushing, ch)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) readyFn(ch ChannelID) func(UserID) bool {
	return func(peer UserID) bool { return c.t.IsPeerPresentAndSecured(ch, peer) }
}

func (c *Coordinator) sendOne(ctx context.Context, ch ChannelID, msg *message.Message) error {
	if err := c.t.Send(ctx, ch, msg); err != nil {
		c.log.Error("send failed",
			logx.String("msg_id", msg.ID), logx.String("channel", string(ch)), logx.Err(err))
		c.publish(TopicFailed, msg, ch, err)
		return &SendError{Channel: ch, MessageID: msg.ID, Err: err}
	}
	c.log.Debug("sent", logx.String("msg_id", msg.ID), logx.String("channel", string(ch)))
	c.publish(TopicSent, msg, ch, nil)
	return nil
}

// Stats is a point-in-time snapshot for operational logging.
type Stats struct {
	PendingUsers     int
	BufferedMessages int
	QueuedChannels   int
	QueuedMessages   int
	DedupEntries     int
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	s.PendingUsers, s.BufferedMessages = c.pending.stats()
	s.QueuedChannels, s.QueuedMessages = c.queues.stats()
	s.DedupEntries = c.dedup.size()
	return s
}

// Close drops all queued state. Messages still waiting for a channel
// are lost; we log what was abandoned so operators can see it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, buffered := c.pending.stats()
	_, queued := c.queues.stats()
	if buffered+queued > 0 {
		c.log.Warn("shutting down with undelivered messages",
			logx.Int("buffered", buffered), logx.Int("queued", queued))
	}
	c.pending = newPendingRecipients()
	c.queues = newChannelQueues()
	c.flushing = make(map[ChannelID]bool)
}

func (c *Coordinator) publish(topic string, msg *message.Message, ch ChannelID, err error) {
	if c.bus == nil {
		return
	}
	now := time.Now()
	ev := DeliveryEvent{At: now, Channel: string(ch)}
	if msg != nil {
		ev.MessageID = msg.ID
		ev.Kind = string(msg.Kind)
		ev.User = msg.Recipient.User
		if ev.Channel == "" {
			ev.Channel = msg.Recipient.Channel
		}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}

func (c *Coordinator) publishCreated(user UserID, ch ChannelID) {
	if c.bus == nil {
		return
	}
	now := time.Now()
	c.bus.Publish(eventbus.Event{Type: TopicCreated, Time: now,
		Data: DeliveryEvent{User: string(user), Channel: string(ch), At: now}})
}

func (c *Coordinator) publishCreateFailed(user UserID, dropped int, err error) {
	if c.bus == nil {
		return
	}
	now := time.Now()
	c.bus.Publish(eventbus.Event{Type: TopicCreateFailed, Time: now,
		Data: DeliveryEvent{User: string(user), Dropped: dropped, Error: err.Error(), At: now}})
}

func (c *Coordinator) publishDuplicate(eventID string, ch ChannelID) {
	if c.bus == nil {
		return
	}
	now := time.Now()
	c.bus.Publish(eventbus.Event{Type: TopicDuplicate, Time: now,
		Data: DeliveryEvent{EventID: eventID, Channel: string(ch), At: now}})
}
