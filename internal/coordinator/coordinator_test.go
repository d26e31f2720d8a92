package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mxrelay/internal/eventbus"
	"mxrelay/internal/message"
	logx "mxrelay/pkg/logx"
)

type sendCall struct {
	ch   ChannelID
	text string
}

// fakeTransport scripts channel state for the coordinator under test.
// The entered/release channel pairs let a test hold a blocking call
// open while it drives the coordinator from another goroutine.
type fakeTransport struct {
	mu       sync.Mutex
	channels map[UserID]ChannelID
	ready    map[ChannelID]bool

	created   []UserID
	createID  ChannelID
	createErr error

	createEntered chan struct{}
	createRelease chan struct{}

	sends   []sendCall
	sendErr map[string]error

	sendEntered chan struct{}
	sendRelease chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		channels: map[UserID]ChannelID{},
		ready:    map[ChannelID]bool{},
		sendErr:  map[string]error{},
		createID: "!new:example.com",
	}
}

func (f *fakeTransport) CreateChannel(_ context.Context, user UserID, _ string) (ChannelID, error) {
	f.mu.Lock()
	f.created = append(f.created, user)
	entered, release := f.createEntered, f.createRelease
	f.createEntered, f.createRelease = nil, nil
	f.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.channels[user] = f.createID
	return f.createID, nil
}

func (f *fakeTransport) FindExistingChannel(user UserID) (ChannelID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[user]
	return ch, ok
}

func (f *fakeTransport) IsPeerPresentAndSecured(ch ChannelID, _ UserID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[ch]
}

func (f *fakeTransport) Send(_ context.Context, ch ChannelID, m *message.Message) error {
	f.mu.Lock()
	entered, release := f.sendEntered, f.sendRelease
	f.sendEntered, f.sendRelease = nil, nil
	f.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{ch: ch, text: m.Text})
	return f.sendErr[m.ID]
}

func (f *fakeTransport) setChannel(user UserID, ch ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[user] = ch
}

func (f *fakeTransport) setReady(ch ChannelID, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[ch] = ok
}

func (f *fakeTransport) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeTransport) setSendErr(msgID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[msgID] = err
}

func (f *fakeTransport) gateCreate() (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	f.mu.Lock()
	f.createEntered, f.createRelease = entered, release
	f.mu.Unlock()
	return entered, release
}

func (f *fakeTransport) gateSend() (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	f.mu.Lock()
	f.sendEntered, f.sendRelease = entered, release
	f.mu.Unlock()
	return entered, release
}

func (f *fakeTransport) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.text
	}
	return out
}

func newTestCoordinator(ft *fakeTransport) *Coordinator {
	return New(Config{}, ft, logx.Nop(), nil)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitSubmit(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submit to return")
		return nil
	}
}

func equalTexts(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSubmitDirectChannelSendsImmediately(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	c := newTestCoordinator(ft)

	m := textMsg(t, "!room:example.com", "direct")
	if err := c.Submit(context.Background(), m); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := ft.sentTexts(); !equalTexts(got, []string{"direct"}) {
		t.Fatalf("sends = %v, want [direct]", got)
	}
	if s := c.Stats(); s.QueuedMessages != 0 || s.PendingUsers != 0 {
		t.Fatalf("unexpected queued state: %+v", s)
	}
}

func TestSubmitUnknownRecipientFailsFast(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(newFakeTransport())

	if err := c.Submit(context.Background(), nil); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Submit(nil) = %v, want ErrUnknownRecipient", err)
	}
	if err := c.Submit(context.Background(), &message.Message{}); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Submit(empty) = %v, want ErrUnknownRecipient", err)
	}
}

func TestSubmitExistingReadyChannelSendsImmediately(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setChannel("@alice:example.com", "!dm:example.com")
	ft.setReady("!dm:example.com", true)
	c := newTestCoordinator(ft)

	m := textMsg(t, "@alice:example.com", "hello")
	if err := c.Submit(context.Background(), m); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := ft.sentTexts(); !equalTexts(got, []string{"hello"}) {
		t.Fatalf("sends = %v, want [hello]", got)
	}
	if m.Recipient.Channel != "!dm:example.com" {
		t.Fatalf("channel not filled in: %+v", m.Recipient)
	}
	if ft.createCount() != 0 {
		t.Fatal("no channel creation expected")
	}
	if s := c.Stats(); s.QueuedChannels != 0 {
		t.Fatalf("no queue expected, got %+v", s)
	}
}

func TestSecurityEventFlushesQueueInOrder(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setChannel("@alice:example.com", "!dm:example.com")
	c := newTestCoordinator(ft)
	ctx := context.Background()

	for _, body := range []string{"one", "two"} {
		if err := c.Submit(ctx, textMsg(t, "@alice:example.com", body)); err != nil {
			t.Fatalf("Submit(%s): %v", body, err)
		}
	}
	if got := ft.sentTexts(); len(got) != 0 {
		t.Fatalf("nothing should send while not ready, got %v", got)
	}
	if s := c.Stats(); s.QueuedChannels != 1 || s.QueuedMessages != 2 {
		t.Fatalf("queue state = %+v, want 1 channel / 2 messages", s)
	}

	// Readiness still false: the event triggers a drain attempt that
	// leaves everything in place.
	c.OnSecurityEvent(ctx, "$early", "!dm:example.com")
	if s := c.Stats(); s.QueuedMessages != 2 {
		t.Fatalf("premature flush: %+v", s)
	}

	ft.setReady("!dm:example.com", true)
	c.OnSecurityEvent(ctx, "$ready", "!dm:example.com")
	if got := ft.sentTexts(); !equalTexts(got, []string{"one", "two"}) {
		t.Fatalf("flush order = %v, want [one two]", got)
	}

	// Drained queue is gone: a later event is a no-op.
	c.OnSecurityEvent(ctx, "$again", "!dm:example.com")
	// And a replayed event id is suppressed by dedup.
	c.OnSecurityEvent(ctx, "$ready", "!dm:example.com")
	if got := ft.sentTexts(); len(got) != 2 {
		t.Fatalf("duplicate events re-sent messages: %v", got)
	}
}

func TestMembershipEventFlushesOnJoin(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setChannel("@alice:example.com", "!dm:example.com")
	c := newTestCoordinator(ft)
	ctx := context.Background()

	if err := c.Submit(ctx, textMsg(t, "@alice:example.com", "hi")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A leave consumes its event id but never drains.
	c.OnMembershipEvent(ctx, "$leave", "!dm:example.com", "@alice:example.com", false)
	if got := ft.sentTexts(); len(got) != 0 {
		t.Fatalf("leave event caused sends: %v", got)
	}

	ft.setReady("!dm:example.com", true)
	c.OnMembershipEvent(ctx, "$join", "!dm:example.com", "@alice:example.com", true)
	if got := ft.sentTexts(); !equalTexts(got, []string{"hi"}) {
		t.Fatalf("sends = %v, want [hi]", got)
	}

	// Replay of the join is deduplicated.
	c.OnMembershipEvent(ctx, "$join", "!dm:example.com", "@alice:example.com", true)
	if got := ft.sentTexts(); len(got) != 1 {
		t.Fatalf("replayed join re-sent: %v", got)
	}
}

func TestConcurrentSubmitsCollapseToOneCreation(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	entered, release := ft.gateCreate()
	c := newTestCoordinator(ft)
	ctx := context.Background()

	m1 := textMsg(t, "@bob:example.com", "one")
	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, m1) }()
	waitSignal(t, entered, "creation call")

	// The creation is in flight; these buffer behind the pending flag.
	if err := c.Submit(ctx, textMsg(t, "@bob:example.com", "two")); err != nil {
		t.Fatalf("Submit(two): %v", err)
	}
	if err := c.Submit(ctx, textMsg(t, "@bob:example.com", "three")); err != nil {
		t.Fatalf("Submit(three): %v", err)
	}
	if s := c.Stats(); s.PendingUsers != 1 || s.BufferedMessages != 3 {
		t.Fatalf("pending state = %+v, want 1 user / 3 buffered", s)
	}

	close(release)
	if err := waitSubmit(t, done); err != nil {
		t.Fatalf("Submit(one): %v", err)
	}

	if n := ft.createCount(); n != 1 {
		t.Fatalf("createChannel called %d times, want 1", n)
	}
	if s := c.Stats(); s.PendingUsers != 0 || s.QueuedChannels != 1 || s.QueuedMessages != 3 {
		t.Fatalf("post-migration state = %+v, want everything on one channel queue", s)
	}

	ft.setReady("!new:example.com", true)
	c.OnSecurityEvent(ctx, "$sec", "!new:example.com")
	if got := ft.sentTexts(); !equalTexts(got, []string{"one", "two", "three"}) {
		t.Fatalf("flush order = %v, want [one two three]", got)
	}
}

func TestSecurityEventBeforeMigrationStillFlushes(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	entered, release := ft.gateCreate()
	c := newTestCoordinator(ft)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, textMsg(t, "@bob:example.com", "hello")) }()
	waitSignal(t, entered, "creation call")

	// The channel's security event lands before the creation response
	// migrates the buffer. It finds no queue and must be a no-op...
	c.OnSecurityEvent(ctx, "$sec", "!new:example.com")
	ft.setReady("!new:example.com", true)

	// ...and the post-migration readiness check must still deliver,
	// with no further external event.
	close(release)
	if err := waitSubmit(t, done); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := ft.sentTexts(); !equalTexts(got, []string{"hello"}) {
		t.Fatalf("sends = %v, want [hello]", got)
	}
	if s := c.Stats(); s.QueuedMessages != 0 {
		t.Fatalf("messages left stranded: %+v", s)
	}
}

func TestCreationFailureDropsBatchAndRecovers(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setCreateErr(errors.New("m_forbidden"))
	entered, release := ft.gateCreate()
	c := newTestCoordinator(ft)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.Submit(ctx, textMsg(t, "@carol:example.com", "one")) }()
	waitSignal(t, entered, "creation call")
	if err := c.Submit(ctx, textMsg(t, "@carol:example.com", "two")); err != nil {
		t.Fatalf("Submit(two): %v", err)
	}
	close(release)

	err := waitSubmit(t, done)
	var cerr *ChannelCreationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Submit error = %v, want ChannelCreationError", err)
	}
	if cerr.Dropped != 2 {
		t.Fatalf("Dropped = %d, want 2 (the whole batch fails together)", cerr.Dropped)
	}
	if got := ft.sentTexts(); len(got) != 0 {
		t.Fatalf("failed creation must not send: %v", got)
	}
	if s := c.Stats(); s.PendingUsers != 0 || s.QueuedChannels != 0 {
		t.Fatalf("state not cleared after failure: %+v", s)
	}

	// A fresh submission starts a new attempt from scratch.
	ft.setCreateErr(nil)
	if err := c.Submit(ctx, textMsg(t, "@carol:example.com", "three")); err != nil {
		t.Fatalf("Submit(three): %v", err)
	}
	if n := ft.createCount(); n != 2 {
		t.Fatalf("createChannel called %d times, want 2", n)
	}
	if s := c.Stats(); s.QueuedMessages != 1 {
		t.Fatalf("fresh message not queued: %+v", s)
	}
}

func TestSendFailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setChannel("@alice:example.com", "!dm:example.com")
	c := newTestCoordinator(ft)
	ctx := context.Background()

	var msgs []*message.Message
	for _, body := range []string{"one", "two", "three"} {
		m := textMsg(t, "@alice:example.com", body)
		msgs = append(msgs, m)
		if err := c.Submit(ctx, m); err != nil {
			t.Fatalf("Submit(%s): %v", body, err)
		}
	}
	ft.setSendErr(msgs[1].ID, errors.New("m_too_large"))

	ft.setReady("!dm:example.com", true)
	c.OnSecurityEvent(ctx, "$sec", "!dm:example.com")

	if got := ft.sentTexts(); !equalTexts(got, []string{"one", "two", "three"}) {
		t.Fatalf("send attempts = %v, want all three in order", got)
	}
	if s := c.Stats(); s.QueuedMessages != 0 {
		t.Fatalf("queue not drained: %+v", s)
	}
}

func TestSubmitDuringFlushJoinsTheLine(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setChannel("@alice:example.com", "!dm:example.com")
	c := newTestCoordinator(ft)
	ctx := context.Background()

	if err := c.Submit(ctx, textMsg(t, "@alice:example.com", "first")); err != nil {
		t.Fatalf("Submit(first): %v", err)
	}

	sendEntered, sendRelease := ft.gateSend()
	ft.setReady("!dm:example.com", true)

	flushDone := make(chan struct{})
	go func() {
		c.OnSecurityEvent(ctx, "$sec", "!dm:example.com")
		close(flushDone)
	}()
	waitSignal(t, sendEntered, "flush to start sending")

	// The flush is mid-send. A new submission for the same channel must
	// park behind it instead of overtaking.
	if err := c.Submit(ctx, textMsg(t, "@alice:example.com", "second")); err != nil {
		t.Fatalf("Submit(second): %v", err)
	}
	close(sendRelease)
	waitSignal(t, flushDone, "flush to finish")

	if got := ft.sentTexts(); !equalTexts(got, []string{"first", "second"}) {
		t.Fatalf("send order = %v, want [first second]", got)
	}
}

func TestCloseReportsAbandonedMessages(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setChannel("@alice:example.com", "!dm:example.com")
	c := newTestCoordinator(ft)

	if err := c.Submit(context.Background(), textMsg(t, "@alice:example.com", "stuck")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.Close()
	if s := c.Stats(); s.QueuedMessages != 0 || s.QueuedChannels != 0 {
		t.Fatalf("Close left state behind: %+v", s)
	}
}

func TestSubmitPublishesDeliveryEvents(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	ft.setReady("!new:example.com", true)
	bus := eventbus.New()
	c := New(Config{}, ft, logx.Nop(), bus)
	events, unsub := bus.Subscribe(8)
	t.Cleanup(unsub)

	m := textMsg(t, "@amy:example.com", "hello")
	if err := c.Submit(context.Background(), m); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Fresh user whose channel is ready the moment it exists: queued at
	// intake, created, then sent by the immediate post-creation flush.
	// Publishing happens inside Submit, so everything is buffered by now.
	for _, topic := range []string{TopicQueued, TopicCreated, TopicSent} {
		select {
		case e := <-events:
			if e.Type != topic {
				t.Fatalf("event = %q, want %q", e.Type, topic)
			}
			ev, ok := e.Data.(DeliveryEvent)
			if !ok {
				t.Fatalf("Data type = %T, want DeliveryEvent", e.Data)
			}
			switch topic {
			case TopicCreated:
				if ev.User != "@amy:example.com" || ev.Channel != "!new:example.com" {
					t.Fatalf("created payload = %+v", ev)
				}
			case TopicSent:
				if ev.MessageID != m.ID || ev.Channel != "!new:example.com" {
					t.Fatalf("sent payload = %+v", ev)
				}
			}
		default:
			t.Fatalf("no %q event published", topic)
		}
	}
}
