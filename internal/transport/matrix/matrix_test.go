package matrix

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"mxrelay/internal/coordinator"
	logx "mxrelay/pkg/logx"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		Homeserver:  "https://relay.example",
		UserID:      "@relay:example.org",
		AccessToken: "syt_test_token",
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func seed(a *Adapter, room, user string, m event.Membership) {
	a.stateMu.Lock()
	a.setMemberLocked(id.RoomID(room), id.UserID(user), m)
	a.stateMu.Unlock()
}

func memberEvent(room, eventID, sender, target string, m event.Membership) *event.Event {
	sk := target
	return &event.Event{
		ID:       id.EventID(eventID),
		Type:     event.StateMember,
		RoomID:   id.RoomID(room),
		Sender:   id.UserID(sender),
		StateKey: &sk,
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: m}},
	}
}

type membershipCall struct {
	eventID string
	channel coordinator.ChannelID
	subject coordinator.UserID
	joined  bool
}

type fakeSink struct {
	mu         sync.Mutex
	membership []membershipCall
	security   []string
}

func (f *fakeSink) OnMembershipEvent(_ context.Context, eventID string, channel coordinator.ChannelID, subject coordinator.UserID, joined bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.membership = append(f.membership, membershipCall{eventID, channel, subject, joined})
}

func (f *fakeSink) OnSecurityEvent(_ context.Context, eventID string, channel coordinator.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.security = append(f.security, eventID+" "+string(channel))
}

func TestFindExistingChannel(t *testing.T) {
	t.Parallel()

	const (
		self = "@relay:example.org"
		peer = "@alice:example.org"
	)
	tests := []struct {
		name    string
		seed    func(a *Adapter)
		want    coordinator.ChannelID
		wantOK  bool
		forWhom string
	}{
		{
			name: "direct room with joined peer",
			seed: func(a *Adapter) {
				seed(a, "!direct:x", self, event.MembershipJoin)
				seed(a, "!direct:x", peer, event.MembershipJoin)
			},
			forWhom: peer, want: "!direct:x", wantOK: true,
		},
		{
			name: "invited peer counts",
			seed: func(a *Adapter) {
				seed(a, "!direct:x", self, event.MembershipJoin)
				seed(a, "!direct:x", peer, event.MembershipInvite)
			},
			forWhom: peer, want: "!direct:x", wantOK: true,
		},
		{
			name: "three member room is not direct",
			seed: func(a *Adapter) {
				seed(a, "!group:x", self, event.MembershipJoin)
				seed(a, "!group:x", peer, event.MembershipJoin)
				seed(a, "!group:x", "@bob:example.org", event.MembershipJoin)
			},
			forWhom: peer, wantOK: false,
		},
		{
			name: "room without the relay",
			seed: func(a *Adapter) {
				seed(a, "!other:x", peer, event.MembershipJoin)
				seed(a, "!other:x", "@bob:example.org", event.MembershipJoin)
			},
			forWhom: peer, wantOK: false,
		},
		{
			name:    "nothing seeded",
			seed:    func(a *Adapter) {},
			forWhom: peer, wantOK: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(t)
			tt.seed(a)
			got, ok := a.FindExistingChannel(coordinator.UserID(tt.forWhom))
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("FindExistingChannel(%s) = (%q, %v), want (%q, %v)",
					tt.forWhom, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestIsPeerPresentAndSecured(t *testing.T) {
	t.Parallel()

	const (
		room = "!direct:x"
		peer = "@alice:example.org"
	)
	tests := []struct {
		name       string
		membership event.Membership
		encrypted  bool
		want       bool
	}{
		{"joined and encrypted", event.MembershipJoin, true, true},
		{"joined but unencrypted", event.MembershipJoin, false, false},
		{"invited and encrypted", event.MembershipInvite, true, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(t)
			seed(a, room, "@relay:example.org", event.MembershipJoin)
			if tt.membership != "" {
				seed(a, room, peer, tt.membership)
			}
			if tt.encrypted {
				a.stateMu.Lock()
				a.encrypted[id.RoomID(room)] = true
				a.stateMu.Unlock()
			}
			if got := a.IsPeerPresentAndSecured(room, peer); got != tt.want {
				t.Fatalf("IsPeerPresentAndSecured() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("unknown channel", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		if a.IsPeerPresentAndSecured("!nope:x", peer) {
			t.Fatal("IsPeerPresentAndSecured() = true for unknown channel")
		}
	})
}

func TestMembershipLeaveDropsEntry(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	seed(a, "!r:x", "@alice:example.org", event.MembershipJoin)
	seed(a, "!r:x", "@alice:example.org", event.MembershipLeave)

	a.stateMu.RLock()
	_, ok := a.members[id.RoomID("!r:x")]
	a.stateMu.RUnlock()
	if ok {
		t.Fatal("room entry survived after last member left")
	}
}

func TestOnMemberForwardsPeerTransitions(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	sink := &fakeSink{}
	a.SetSink(sink)
	ctx := context.Background()

	a.onMember(ctx, memberEvent("!r:x", "$join1", "@alice:example.org", "@alice:example.org", event.MembershipJoin))
	a.onMember(ctx, memberEvent("!r:x", "$leave1", "@alice:example.org", "@alice:example.org", event.MembershipLeave))
	// The relay's own join must not loop back into the sink.
	a.onMember(ctx, memberEvent("!r:x", "$self1", "@relay:example.org", "@relay:example.org", event.MembershipJoin))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.membership) != 2 {
		t.Fatalf("forwarded %d membership events, want 2", len(sink.membership))
	}
	first := sink.membership[0]
	if first.eventID != "$join1" || first.channel != "!r:x" || first.subject != "@alice:example.org" || !first.joined {
		t.Fatalf("first forward = %+v", first)
	}
	if second := sink.membership[1]; second.eventID != "$leave1" || second.joined {
		t.Fatalf("second forward = %+v", second)
	}
}

func TestOnMemberWithoutSink(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	// Must tolerate sync activity before wiring completes.
	a.onMember(context.Background(), memberEvent("!r:x", "$e1", "@alice:example.org", "@alice:example.org", event.MembershipJoin))

	a.stateMu.RLock()
	got := a.members[id.RoomID("!r:x")][id.UserID("@alice:example.org")]
	a.stateMu.RUnlock()
	if got != event.MembershipJoin {
		t.Fatalf("membership = %q, want join", got)
	}
}

func TestOnEncryptionMarksAndForwards(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	sink := &fakeSink{}
	a.SetSink(sink)

	evt := &event.Event{
		ID:     "$enc1",
		Type:   event.StateEncryption,
		RoomID: "!r:x",
		Content: event.Content{Parsed: &event.EncryptionEventContent{
			Algorithm: id.AlgorithmMegolmV1,
		}},
	}
	a.onEncryption(context.Background(), evt)

	if !a.roomEncrypted("!r:x") {
		t.Fatal("room not marked encrypted")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.security) != 1 || sink.security[0] != "$enc1 !r:x" {
		t.Fatalf("security forwards = %v", sink.security)
	}
}

func TestTextContent(t *testing.T) {
	t.Parallel()

	t.Run("plain text", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		got := a.textContent("disk full on db-1")
		if got.MsgType != event.MsgText || got.Body != "disk full on db-1" || got.Format != "" {
			t.Fatalf("textContent() = %+v", got)
		}
	})

	t.Run("notice flag", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		a.ApplySendSettings(0, 0, true, false)
		if got := a.textContent("hi"); got.MsgType != event.MsgNotice {
			t.Fatalf("MsgType = %q, want m.notice", got.MsgType)
		}
	})

	t.Run("html prefix flattens newlines", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		got := a.textContent("<html>\n<b>alert</b>\n</html>")
		want := "<html><b>alert</b></html>"
		if got.Format != event.FormatHTML {
			t.Fatalf("Format = %q, want %q", got.Format, event.FormatHTML)
		}
		if got.Body != want || got.FormattedBody != want {
			t.Fatalf("Body = %q, FormattedBody = %q, want %q", got.Body, got.FormattedBody, want)
		}
	})

	t.Run("markdown rendering", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		a.ApplySendSettings(0, 0, true, true)
		got := a.textContent("**load** is high")
		if got.MsgType != event.MsgNotice {
			t.Fatalf("MsgType = %q, want m.notice", got.MsgType)
		}
		if got.Format != event.FormatHTML || !strings.Contains(got.FormattedBody, "<strong>load</strong>") {
			t.Fatalf("FormattedBody = %q, want rendered markdown", got.FormattedBody)
		}
	})
}

func TestMsgTypeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fileName    string
		contentType string
		want        event.MessageType
	}{
		{"pic.jpg", "image/jpeg", event.MsgImage},
		{"PIC.PNG", "image/png", event.MsgImage},
		{"diagram.svg", "image/svg+xml", event.MsgImage},
		{"song.mp3", "audio/mpeg", event.MsgAudio},
		{"clip.mp4", "video/mp4", event.MsgVideo},
		{"report.pdf", "application/pdf", event.MsgFile},
		{"notes.txt", "text/plain; charset=utf-8", event.MsgFile},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.fileName, func(t *testing.T) {
			t.Parallel()
			if got := msgTypeFor(tt.fileName, tt.contentType); got != tt.want {
				t.Fatalf("msgTypeFor(%q, %q) = %q, want %q", tt.fileName, tt.contentType, got, tt.want)
			}
		})
	}
}

func TestImageDims(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}

	if w, h := imageDims("image/png", buf.Bytes()); w != 3 || h != 2 {
		t.Fatalf("imageDims(png) = %dx%d, want 3x2", w, h)
	}
	if w, h := imageDims("image/svg+xml", []byte("<svg/>")); w != fallbackImageDim || h != fallbackImageDim {
		t.Fatalf("imageDims(svg) = %dx%d, want %dx%d", w, h, fallbackImageDim, fallbackImageDim)
	}
	if w, h := imageDims("image/png", []byte("not an image")); w != fallbackImageDim || h != fallbackImageDim {
		t.Fatalf("imageDims(garbage) = %dx%d, want fallback", w, h)
	}
}
