package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"mxrelay/internal/coordinator"
	logx "mxrelay/pkg/logx"
)

const joinAttempts = 3

// setMemberLocked updates the registry for one member. Callers hold stateMu.
// Leave and ban drop the entry so room size checks stay accurate.
func (a *Adapter) setMemberLocked(roomID id.RoomID, user id.UserID, membership event.Membership) {
	if user == "" {
		return
	}
	switch membership {
	case event.MembershipLeave, event.MembershipBan:
		if room, ok := a.members[roomID]; ok {
			delete(room, user)
			if len(room) == 0 {
				delete(a.members, roomID)
			}
		}
	default:
		room, ok := a.members[roomID]
		if !ok {
			room = make(map[id.UserID]event.Membership)
			a.members[roomID] = room
		}
		room[user] = membership
	}
}

// onMember handles m.room.member state from sync. The registry is
// updated first, then the transition is forwarded with stateMu released
// so the coordinator can call back into channel queries.
func (a *Adapter) onMember(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	target := id.UserID(evt.GetStateKey())
	if target == "" {
		return
	}

	a.stateMu.Lock()
	a.setMemberLocked(evt.RoomID, target, content.Membership)
	a.stateMu.Unlock()

	if target == a.client.UserID {
		if content.Membership == event.MembershipInvite {
			a.log.Info("invited to channel",
				logx.String("channel", evt.RoomID.String()),
				logx.String("from", evt.Sender.String()))
			a.joinInvitedRoom(ctx, evt.RoomID)
		}
		return
	}

	sink := a.getSink()
	if sink == nil {
		return
	}
	sink.OnMembershipEvent(ctx, evt.ID.String(),
		coordinator.ChannelID(evt.RoomID),
		coordinator.UserID(target),
		content.Membership == event.MembershipJoin)
}

// onEncryption handles m.room.encryption state from sync. Encryption is
// permanent for a room, so the flag only ever flips on.
func (a *Adapter) onEncryption(ctx context.Context, evt *event.Event) {
	a.stateMu.Lock()
	a.encrypted[evt.RoomID] = true
	a.stateMu.Unlock()

	a.log.Info("channel encryption enabled", logx.String("channel", evt.RoomID.String()))
	if sink := a.getSink(); sink != nil {
		sink.OnSecurityEvent(ctx, evt.ID.String(), coordinator.ChannelID(evt.RoomID))
	}
}

// joinInvitedRoom accepts an invite addressed to the relay. Peers can
// invite the relay into a room instead of waiting for it to create one.
func (a *Adapter) joinInvitedRoom(ctx context.Context, roomID id.RoomID) {
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		_, err := a.client.JoinRoomByID(ctx, roomID)
		if err == nil {
			a.stateMu.Lock()
			a.setMemberLocked(roomID, a.client.UserID, event.MembershipJoin)
			a.stateMu.Unlock()
			a.log.Info("joined channel", logx.String("channel", roomID.String()))
			return
		}
		a.log.Error("error joining channel",
			logx.String("channel", roomID.String()),
			logx.Int("attempt", attempt),
			logx.Err(err))
	}
	a.log.Error("unable to join channel",
		logx.String("channel", roomID.String()),
		logx.Int("attempts", joinAttempts))
}

// CreateChannel makes a private, encrypted direct room and invites the
// recipient. Both sides get admin power so either can adjust the room.
// The registry is seeded immediately so readiness checks and duplicate
// lookups don't depend on the create echoing back through sync.
func (a *Adapter) CreateChannel(ctx context.Context, user coordinator.UserID, name string) (coordinator.ChannelID, error) {
	peer := id.UserID(string(user))
	self := a.client.UserID
	resp, err := a.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Name:       name,
		Preset:     "private_chat",
		IsDirect:   true,
		Invite:     []id.UserID{peer},
		InitialState: []*event.Event{{
			Type: event.StateEncryption,
			Content: event.Content{Parsed: &event.EncryptionEventContent{
				Algorithm: id.AlgorithmMegolmV1,
			}},
		}},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{peer: 100, self: 100},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create channel for %s: %w", peer, err)
	}
	roomID := resp.RoomID

	a.stateMu.Lock()
	a.setMemberLocked(roomID, self, event.MembershipJoin)
	a.setMemberLocked(roomID, peer, event.MembershipInvite)
	a.encrypted[roomID] = true
	a.stateMu.Unlock()

	_ = a.client.StateStore.SetMembership(ctx, roomID, self, event.MembershipJoin)
	_ = a.client.StateStore.SetMembership(ctx, roomID, peer, event.MembershipInvite)
	_ = a.client.StateStore.SetEncryptionEvent(ctx, roomID, &event.EncryptionEventContent{
		Algorithm: id.AlgorithmMegolmV1,
	})

	a.log.Info("channel created",
		logx.String("channel", roomID.String()),
		logx.String("user", peer.String()))
	return coordinator.ChannelID(roomID), nil
}

// FindExistingChannel reports a direct room already shared with the
// user: exactly two members counting invites, the relay one of them.
func (a *Adapter) FindExistingChannel(user coordinator.UserID) (coordinator.ChannelID, bool) {
	peer := id.UserID(string(user))
	self := a.client.UserID

	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	for roomID, room := range a.members {
		if len(room) != 2 {
			continue
		}
		if _, ok := room[self]; !ok {
			continue
		}
		switch room[peer] {
		case event.MembershipJoin, event.MembershipInvite:
			return coordinator.ChannelID(roomID), true
		}
	}
	return "", false
}

// IsPeerPresentAndSecured reports whether the user has joined the
// channel and encryption is active. Answered from the registry, never
// cached by callers.
func (a *Adapter) IsPeerPresentAndSecured(channel coordinator.ChannelID, user coordinator.UserID) bool {
	roomID := id.RoomID(string(channel))
	peer := id.UserID(string(user))

	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.members[roomID][peer] == event.MembershipJoin && a.encrypted[roomID]
}
