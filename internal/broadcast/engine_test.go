package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
	"chat-relay/internal/repositories"
	"chat-relay/internal/store"
	"chat-relay/internal/ws"
)

// recorder is a device connection that decodes everything pushed to it.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Outbound
}

func (r *recorder) Send(payload []byte) error {
	ev, err := protocol.DecodeOutbound(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) take() []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func ofType[T protocol.Outbound](events []protocol.Outbound) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fixture struct {
	t        *testing.T
	engine   *Engine
	hub      *ws.Hub
	tracker  *presence.Tracker
	rooms    *store.RoomStore
	messages *store.MessageLog
	snaps    *repositories.MemorySnapshotRepo
	conns    map[string]*recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tracker := presence.NewTracker()
	hub := ws.NewHub(tracker, nil)
	rooms := store.NewRoomStore(nil)
	messages := store.NewMessageLog(rooms, nil)
	snaps := repositories.NewMemorySnapshotRepo()
	engine := New(rooms, messages, hub, tracker, Options{Snapshots: snaps})
	return &fixture{
		t: t, engine: engine, hub: hub, tracker: tracker,
		rooms: rooms, messages: messages, snaps: snaps,
		conns: make(map[string]*recorder),
	}
}

func (f *fixture) connect(deviceID string) *recorder {
	r := &recorder{}
	f.hub.Register(deviceID, r, ws.ConnInfo{DeviceID: deviceID})
	f.conns[deviceID] = r
	return r
}

func (f *fixture) handle(deviceID string, ev protocol.Inbound) error {
	return f.engine.Handle(context.Background(), deviceID, ev)
}

func (f *fixture) join(deviceID, roomID string) {
	f.t.Helper()
	require.NoError(f.t, f.handle(deviceID, protocol.JoinRoom{RoomID: roomID}))
	f.conns[deviceID].take()
}

func (f *fixture) send(deviceID, roomID, text string) models.Message {
	f.t.Helper()
	require.NoError(f.t, f.handle(deviceID, protocol.SendMessage{
		RoomID: roomID,
		Draft:  protocol.Draft{ClientID: "c-" + text, Text: text},
	}))
	msgs, err := f.messages.List(roomID)
	require.NoError(f.t, err)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Text == text && msgs[i].SenderID == deviceID {
			return msgs[i]
		}
	}
	f.t.Fatalf("message %q not stored", text)
	return models.Message{}
}

func TestSendFansOutCanonicalMessageToOriginAndPeers(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	msg := f.send("a", "r1", "Hi")
	assert.Equal(t, models.StatusSent, msg.Status)

	for _, rec := range []*recorder{a, b} {
		got := ofType[protocol.MessageEvent](rec.take())
		require.Len(t, got, 1)
		assert.Equal(t, "r1", got[0].RoomID)
		assert.Equal(t, msg.ID, got[0].Message.ID)
		assert.Equal(t, "Hi", got[0].Message.Text)
		assert.Equal(t, models.StatusSent, got[0].Message.Status)
		assert.Equal(t, "c-Hi", got[0].Message.ClientID)
	}
}

func TestSendCreatesRoomLazily(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	msg := f.send("a", "fresh", "hello")
	got := ofType[protocol.MessageEvent](a.take())
	require.Len(t, got, 1, "origin gets the canonical copy without joining")
	assert.Equal(t, msg.ID, got[0].Message.ID)
	assert.Equal(t, "c-hello", got[0].Message.ClientID)

	room, err := f.rooms.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, models.RoomDirect, room.Kind)
	assert.Equal(t, []string{"a"}, room.Participants)
	assert.False(t, room.LastActivity.Before(room.CreatedAt))
}

func TestDuplicateSendIsAnsweredToOriginOnly(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	ev := protocol.SendMessage{RoomID: "r1", Draft: protocol.Draft{ClientID: "retry-1", Text: "once"}}
	require.NoError(t, f.handle("a", ev))
	a.take()
	b.take()

	require.NoError(t, f.handle("a", ev))
	msgs, err := f.messages.List("r1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, ofType[protocol.MessageEvent](a.take()), 1)
	assert.Empty(t, b.take())
}

func TestInactiveParticipantGetsRoomUpdate(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")
	require.NoError(t, f.handle("b", protocol.LeaveRoom{RoomID: "r1"}))

	f.send("a", "r1", "one")
	f.send("a", "r1", "two")

	events := b.take()
	assert.Empty(t, ofType[protocol.MessageEvent](events))
	updates := ofType[protocol.RoomUpdate](events)
	require.Len(t, updates, 2)
	assert.Equal(t, 2, updates[1].UnreadCount)
	require.NotNil(t, updates[1].LastMessage)
	assert.Equal(t, "two", updates[1].LastMessage.Text)

	f.join("b", "r1")
	assert.Equal(t, 0, f.rooms.Unread("r1", "b"))
}

func TestDeleteIsIdempotentAndKeepsTombstone(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")
	m1 := f.send("a", "r1", "Hi")
	a.take()
	b.take()

	require.NoError(t, f.handle("b", protocol.DeleteMessage{RoomID: "r1", MessageID: m1.ID}))
	for _, rec := range []*recorder{a, b} {
		got := ofType[protocol.MessageDeleted](rec.take())
		require.Len(t, got, 1)
		assert.Equal(t, m1.ID, got[0].MessageID)
	}

	require.NoError(t, f.handle("b", protocol.DeleteMessage{RoomID: "r1", MessageID: m1.ID}))
	assert.Empty(t, a.take(), "repeat delete is not fanned out")
	assert.Len(t, ofType[protocol.MessageDeleted](b.take()), 1)

	msgs, err := f.messages.List("r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)

	room, err := f.rooms.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, room.CreatedAt, room.LastActivity)
}

func TestRejectedEventsGoToOriginOnly(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	err := f.handle("a", protocol.DeleteMessage{RoomID: "r1", MessageID: "missing"})
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
	errs := ofType[protocol.ErrorEvent](a.take())
	require.Len(t, errs, 1)
	assert.Equal(t, "message_not_found", errs[0].Code)
	assert.Equal(t, "missing", errs[0].MessageID)
	assert.Empty(t, b.take())

	err = f.handle("a", protocol.ClearChat{RoomID: "nowhere"})
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	errs = ofType[protocol.ErrorEvent](a.take())
	require.Len(t, errs, 1)
	assert.Equal(t, "room_not_found", errs[0].Code)
	assert.False(t, f.rooms.Exists("nowhere"))

	err = f.handle("a", protocol.SendMessage{RoomID: "r1", Draft: protocol.Draft{ClientID: "x", Text: "re", ReplyTo: &models.ReplyRef{MessageID: "ghost"}}})
	assert.ErrorIs(t, err, models.ErrMessageNotFound)
	errs = ofType[protocol.ErrorEvent](a.take())
	require.Len(t, errs, 1)
	assert.Equal(t, "x", errs[0].ClientID)
	assert.Empty(t, b.take())
}

func TestReplyIsDenormalized(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	f.connect("b")
	f.tracker.SetProfile("a", "Alice", "")
	f.join("a", "r1")
	f.join("b", "r1")
	m1 := f.send("a", "r1", "question")

	require.NoError(t, f.handle("b", protocol.SendMessage{RoomID: "r1", Draft: protocol.Draft{
		ClientID: "c2", Text: "answer", ReplyTo: &models.ReplyRef{MessageID: m1.ID},
	}}))
	msgs, err := f.messages.List("r1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].ReplyTo)
	assert.Equal(t, "question", msgs[1].ReplyTo.Text)
	assert.Equal(t, "Alice", msgs[1].ReplyTo.SenderName)
}

func TestClearChatKeepsRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")
	f.join("a", "r1")
	f.send("a", "r1", "one")
	a.take()

	require.NoError(t, f.handle("a", protocol.ClearChat{RoomID: "r1"}))
	assert.Len(t, ofType[protocol.ChatCleared](a.take()), 1)

	msgs, err := f.messages.List("r1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	room, created, err := f.engine.EnsureRoom(context.Background(), "r1", models.RoomDirect, store.RoomDefaults{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "r1", room.ID)
}

func TestTypingSkipsOrigin(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	require.NoError(t, f.handle("a", protocol.Typing{RoomID: "r1", IsTyping: true}))
	assert.Empty(t, a.take())
	got := ofType[protocol.TypingEvent](b.take())
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].DeviceID)
	assert.True(t, got[0].IsTyping)
}

func TestReactionsAreBroadcastAndDuplicatesKept(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.tracker.SetProfile("b", "Bob", "")
	f.join("a", "r1")
	f.join("b", "r1")
	m1 := f.send("a", "r1", "Hi")
	a.take()
	b.take()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.handle("b", protocol.AddReaction{RoomID: "r1", MessageID: m1.ID, Emoji: "❤️"}))
	}
	got := ofType[protocol.ReactionAdded](a.take())
	require.Len(t, got, 2)
	assert.Equal(t, "Bob", got[0].Reaction.UserName)

	stored, err := f.messages.Get("r1", m1.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Reactions, 2)
}

func TestMessageStatusReceipts(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")
	m1 := f.send("a", "r1", "Hi")
	a.take()
	b.take()

	require.NoError(t, f.handle("b", protocol.MessageStatus{RoomID: "r1", MessageID: m1.ID, Status: models.StatusRead}))
	got := ofType[protocol.StatusEvent](a.take())
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusRead, got[0].Status)

	// A late delivered receipt is dropped without an error.
	require.NoError(t, f.handle("b", protocol.MessageStatus{RoomID: "r1", MessageID: m1.ID, Status: models.StatusDelivered}))
	assert.Empty(t, a.take())
	assert.Empty(t, ofType[protocol.ErrorEvent](b.take()))

	err := f.handle("a", protocol.MessageStatus{RoomID: "r1", MessageID: m1.ID, Status: models.StatusRead})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRoomFlagIsEchoedToOriginOnly(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	require.NoError(t, f.handle("a", protocol.RoomFlag{RoomID: "r1", Flag: models.FlagPinned, Value: true}))
	updates := ofType[protocol.RoomUpdate](a.take())
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Prefs)
	assert.True(t, updates[0].Prefs.Pinned)
	assert.Empty(t, b.take())
	assert.False(t, f.rooms.Prefs("r1", "b").Pinned)
}

func TestJoinRepliesWithHistoryAndPresence(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	f.join("a", "r1")
	f.send("a", "r1", "earlier")

	b := f.connect("b")
	require.NoError(t, f.handle("b", protocol.JoinRoom{RoomID: "r1"}))
	events := b.take()

	lists := ofType[protocol.MessageList](events)
	require.Len(t, lists, 1)
	require.Len(t, lists[0].Messages, 1)
	assert.Equal(t, "earlier", lists[0].Messages[0].Text)

	pres := ofType[protocol.PresenceEvent](events)
	require.Len(t, pres, 1)
	assert.Equal(t, "a", pres[0].Presence.DeviceID)
	assert.True(t, pres[0].Presence.Online)

	room, err := f.rooms.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, room.Participants)
}

func TestDeviceInfoOnlyForOwnDevice(t *testing.T) {
	f := newFixture(t)
	a := f.connect("a")

	require.NoError(t, f.handle("a", protocol.DeviceInfo{DeviceID: "a", DisplayName: "Alice"}))
	assert.Equal(t, "Alice", f.tracker.Device("a").DisplayName)

	err := f.handle("a", protocol.DeviceInfo{DeviceID: "b", DisplayName: "Mallory"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Len(t, ofType[protocol.ErrorEvent](a.take()), 1)
}

func TestConcurrentSendersObserveSameOrder(t *testing.T) {
	f := newFixture(t)
	const senders = 8
	const perSender = 10
	for i := 0; i < senders; i++ {
		id := fmt.Sprintf("d%d", i)
		f.connect(id)
		f.join(id, "r1")
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_ = f.handle(id, protocol.SendMessage{RoomID: "r1", Draft: protocol.Draft{
					ClientID: fmt.Sprintf("%s-%d", id, j), Text: "x",
				}})
			}
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()

	msgs, err := f.messages.List("r1")
	require.NoError(t, err)
	require.Len(t, msgs, senders*perSender)

	var reference []string
	for i := 0; i < senders; i++ {
		var order []string
		for _, ev := range ofType[protocol.MessageEvent](f.conns[fmt.Sprintf("d%d", i)].take()) {
			order = append(order, ev.Message.ID)
		}
		require.Len(t, order, senders*perSender)
		if reference == nil {
			reference = order
			continue
		}
		assert.Equal(t, reference, order)
	}
}

func TestUnknownRoomIsHydratedFromSnapshot(t *testing.T) {
	f := newFixture(t)
	at := time.Now().Add(-time.Hour)
	require.NoError(t, f.snaps.SaveRoomSnapshot(context.Background(), models.Snapshot{
		Room: models.Room{ID: "old", Kind: models.RoomGroup, Participants: []string{"a", "b"}, CreatedAt: at, LastActivity: at},
		Messages: []models.Message{
			{ID: "m1", RoomID: "old", SenderID: "b", Text: "from before", CreatedAt: at, Status: models.StatusSent},
		},
	}))

	msgs, err := f.engine.Messages(context.Background(), "old")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from before", msgs[0].Text)

	a := f.connect("a")
	require.NoError(t, f.handle("a", protocol.DeleteMessage{RoomID: "old", MessageID: "m1"}))
	assert.Len(t, ofType[protocol.MessageDeleted](a.take()), 0, "a is not active in the room")

	snap, err := f.snaps.LoadRoomSnapshot(context.Background(), "old")
	require.NoError(t, err)
	assert.True(t, snap.Messages[0].IsDeleted)
}

func TestPresenceChangesReachCoParticipants(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.engine.Run(ctx)

	a := f.connect("a")
	f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")
	// Give Run time to subscribe before the change we assert on.
	time.Sleep(20 * time.Millisecond)
	a.take()

	f.hub.Deregister("b")
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, ev := range a.events {
			if p, ok := ev.(protocol.PresenceEvent); ok && p.Presence.DeviceID == "b" && !p.Presence.Online {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestUpdateMembershipDeactivatesRemovedDevices(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	b := f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	room, err := f.engine.UpdateMembership(context.Background(), "r1", []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, room.Participants)
	assert.False(t, f.hub.IsActive("b", "r1"))

	b.take()
	f.send("a", "r1", "after")
	assert.Empty(t, ofType[protocol.MessageEvent](b.take()))

	view, err := f.engine.RoomView(context.Background(), "r1", "a")
	require.NoError(t, err)
	require.Len(t, view.Members, 2)
	assert.True(t, view.Members[0].IsOnline)
	assert.False(t, view.Members[1].IsOnline)
}

func TestSenderThatLeftStillGetsCanonicalCopy(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")
	require.NoError(t, f.handle("a", protocol.LeaveRoom{RoomID: "r1"}))

	f.send("a", "r1", "from afar")
	events := a.take()
	require.Len(t, ofType[protocol.MessageEvent](events), 1)
	assert.Empty(t, ofType[protocol.RoomUpdate](events))
	assert.Equal(t, 0, f.rooms.Unread("r1", "a"))
	assert.Len(t, ofType[protocol.MessageEvent](b.take()), 1)
}

func TestNonParticipantIsRejected(t *testing.T) {
	f := newFixture(t)
	a, c := f.connect("a"), f.connect("c")
	f.join("a", "r1")
	secret := f.send("a", "r1", "secret")
	a.take()

	for _, ev := range []protocol.Inbound{
		protocol.DeleteMessage{RoomID: "r1", MessageID: secret.ID},
		protocol.ClearChat{RoomID: "r1"},
		protocol.Sync{RoomID: "r1"},
		protocol.Typing{RoomID: "r1", IsTyping: true},
		protocol.AddReaction{RoomID: "r1", MessageID: secret.ID, Emoji: "👍"},
		protocol.MessageStatus{RoomID: "r1", MessageID: secret.ID, Status: models.StatusRead},
		protocol.RoomFlag{RoomID: "r1", Flag: models.FlagPinned, Value: true},
	} {
		err := f.handle("c", ev)
		assert.ErrorIs(t, err, models.ErrNotParticipant, string(ev.Type()))

		events := c.take()
		assert.Empty(t, ofType[protocol.MessageList](events), string(ev.Type()))
		errs := ofType[protocol.ErrorEvent](events)
		require.Len(t, errs, 1, string(ev.Type()))
		assert.Equal(t, models.CodeForbidden, errs[0].Code)
	}
	assert.Empty(t, a.take())

	stored, err := f.messages.Get("r1", secret.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted)
	assert.Empty(t, stored.Reactions)
	assert.Equal(t, models.StatusSent, stored.Status)
	msgs, err := f.messages.List("r1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	room, err := f.rooms.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, room.Participants)
}

func (e *Engine) lockCount() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.locks)
}

func TestRoomLocksAreReleased(t *testing.T) {
	f := newFixture(t)
	f.connect("a")
	for i := 0; i < 50; i++ {
		_ = f.handle("a", protocol.ClearChat{RoomID: fmt.Sprintf("ghost-%d", i)})
	}
	f.join("a", "r1")
	f.send("a", "r1", "hi")
	assert.Equal(t, 0, f.engine.lockCount())
}

func TestProfileChangeReachesRoomPeers(t *testing.T) {
	f := newFixture(t)
	a, b := f.connect("a"), f.connect("b")
	f.join("a", "r1")
	f.join("b", "r1")

	require.NoError(t, f.handle("a", protocol.DeviceInfo{DeviceID: "a", DisplayName: "Alice"}))
	assert.Empty(t, a.take())
	got := ofType[protocol.PresenceEvent](b.take())
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Presence.DeviceID)
	assert.Equal(t, "Alice", got[0].Presence.DisplayName)

	// Announcing the same profile again is silent.
	require.NoError(t, f.handle("a", protocol.DeviceInfo{DeviceID: "a", DisplayName: "Alice"}))
	assert.Empty(t, b.take())
}
