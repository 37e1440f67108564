package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/models"
	"chat-relay/internal/protocol"
)

type fakeTransport struct {
	in     chan []byte
	sent   chan protocol.Inbound
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		sent:   make(chan protocol.Inbound, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return models.ErrTransport
	default:
	}
	ev, err := protocol.DecodeInbound(data)
	if err != nil {
		return err
	}
	f.sent <- ev
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, fmt.Errorf("%w: closed", models.ErrTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, ev protocol.Outbound) {
	t.Helper()
	data, err := protocol.EncodeOutbound(ev)
	require.NoError(t, err)
	f.in <- data
}

func expectSent[T protocol.Inbound](t *testing.T, f *fakeTransport) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.sent:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T sent", zero)
			return zero
		}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeTransport
	dials int
}

func (d *fakeDialer) Dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, fmt.Errorf("%w: refused", models.ErrTransport)
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	return t, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func run(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func connected(t *testing.T, cfg Config) (*Manager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "a"
	}
	m := New(&fakeDialer{queue: []*fakeTransport{ft}}, cfg)
	run(t, m)
	expectSent[protocol.DeviceInfo](t, ft)
	return m, ft
}

func apply(m *Manager, evs ...protocol.Outbound) {
	for _, ev := range evs {
		m.mu.Lock()
		m.applyLocked(ev)
		m.mu.Unlock()
	}
}

func canonical(id, clientID, sender string, at time.Time) models.Message {
	return models.Message{
		ID: id, ClientID: clientID, RoomID: "r1", SenderID: sender, Text: "Hi",
		CreatedAt: at, Status: models.StatusSent, Reactions: []models.Reaction{},
	}
}

func TestSendIsOptimisticThenReplacedByCanonical(t *testing.T) {
	m, ft := connected(t, Config{})

	msg, err := m.Send("r1", Outgoing{Text: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSending, msg.Status)
	assert.Equal(t, msg.ClientID, msg.ID)
	require.Len(t, m.Messages("r1"), 1)

	sent := expectSent[protocol.SendMessage](t, ft)
	assert.Equal(t, msg.ClientID, sent.Draft.ClientID)
	assert.Equal(t, "Hi", sent.Draft.Text)

	ft.push(t, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", msg.ClientID, "a", time.Now().UTC())})

	require.Eventually(t, func() bool {
		entries := m.Messages("r1")
		return len(entries) == 1 && entries[0].ID == "m1"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusSent, m.Messages("r1")[0].Status)
	assert.Zero(t, m.Pending())
}

func TestMessageFromOtherDeviceIsAcknowledgedDelivered(t *testing.T) {
	m, ft := connected(t, Config{})

	ft.push(t, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "c1", "b", time.Now().UTC())})

	ack := expectSent[protocol.MessageStatus](t, ft)
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, models.StatusDelivered, ack.Status)
	require.Eventually(t, func() bool {
		entries := m.Messages("r1")
		return len(entries) == 1 && entries[0].Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnacknowledgedSendFailsAfterRetriesAndCanBeRetried(t *testing.T) {
	m, ft := connected(t, Config{AckTimeout: 20 * time.Millisecond, MaxRetries: 2})
	events, unsubscribe := m.Subscribe(64)
	defer unsubscribe()

	msg, err := m.Send("r1", Outgoing{Text: "Hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := m.Messages("r1")
		return len(entries) == 1 && entries[0].Failed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, m.Pending())

	attempts := 0
	for len(ft.sent) > 0 {
		if s, ok := (<-ft.sent).(protocol.SendMessage); ok {
			assert.Equal(t, msg.ClientID, s.Draft.ClientID)
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)

	deadline := time.After(2 * time.Second)
	for failed := false; !failed; {
		select {
		case ev := <-events:
			failed = ev.Kind == EventSendFailed && ev.MessageID == msg.ClientID
		case <-deadline:
			t.Fatal("no send_failed event")
		}
	}

	require.NoError(t, m.Retry(msg.ClientID))
	assert.False(t, m.Messages("r1")[0].Failed)
	again := expectSent[protocol.SendMessage](t, ft)
	assert.Equal(t, msg.ClientID, again.Draft.ClientID)

	ft.push(t, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", msg.ClientID, "a", time.Now().UTC())})
	require.Eventually(t, func() bool {
		entries := m.Messages("r1")
		return len(entries) == 1 && entries[0].ID == "m1" && !entries[0].Failed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryUnknownSend(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	err := m.Retry("nope")
	assert.True(t, errors.Is(err, models.ErrMessageNotFound))
}

func TestRejectedSendIsMarkedFailed(t *testing.T) {
	m, ft := connected(t, Config{})

	msg, err := m.Send("r1", Outgoing{Text: "Hi", ReplyTo: "ghost"})
	require.NoError(t, err)
	expectSent[protocol.SendMessage](t, ft)

	ft.push(t, protocol.ErrorEvent{
		RoomID: "r1", Code: models.CodeMessageNotFound, Message: "reply target not found",
		RequestType: protocol.InSendMessage, ClientID: msg.ClientID,
	})
	require.Eventually(t, func() bool {
		entries := m.Messages("r1")
		return len(entries) == 1 && entries[0].Failed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})

	_, err := m.Send("", Outgoing{Text: "Hi"})
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = m.Send("r1", Outgoing{Text: "   "})
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Empty(t, m.Rooms())
}

func TestSendFillsReplyPreviewFromMirror(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	apply(m, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "b", time.Now().UTC())})

	msg, err := m.Send("r1", Outgoing{Text: "Yo", ReplyTo: "m1"})
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "m1", msg.ReplyTo.MessageID)
	assert.Equal(t, "Hi", msg.ReplyTo.Text)
	assert.Equal(t, "b", msg.ReplyTo.SenderName)
}

func TestReplyPreviewUsesAnnouncedName(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	apply(m,
		protocol.PresenceEvent{RoomID: "r1", Presence: models.Presence{DeviceID: "b", Online: true, DisplayName: "Bob"}},
		protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "b", time.Now().UTC())},
	)

	msg, err := m.Send("r1", Outgoing{Text: "Yo", ReplyTo: "m1"})
	require.NoError(t, err)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "Bob", msg.ReplyTo.SenderName)
}

func TestSetDisplayName(t *testing.T) {
	m, ft := connected(t, Config{DisplayName: "Old"})

	require.NoError(t, m.SetDisplayName(context.Background(), "  Alice "))
	info := expectSent[protocol.DeviceInfo](t, ft)
	assert.Equal(t, "a", info.DeviceID)
	assert.Equal(t, "Alice", info.DisplayName)

	err := m.SetDisplayName(context.Background(), " ")
	assert.ErrorIs(t, err, models.ErrValidation)

	apply(m, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "a", time.Now().UTC())})
	msg, err := m.Send("r1", Outgoing{Text: "again", ReplyTo: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", msg.ReplyTo.SenderName)
}

func TestSetDisplayNameOfflineIsSentOnConnect(t *testing.T) {
	ft := newFakeTransport()
	m := New(&fakeDialer{queue: []*fakeTransport{ft}}, Config{DeviceID: "a"})
	require.NoError(t, m.SetDisplayName(context.Background(), "Alice"))

	run(t, m)
	info := expectSent[protocol.DeviceInfo](t, ft)
	assert.Equal(t, "Alice", info.DisplayName)
}

func TestDeleteOfUnsentMessageStaysLocal(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	msg, err := m.Send("r1", Outgoing{Text: "oops"})
	require.NoError(t, err)
	require.Equal(t, 1, m.Pending())

	require.NoError(t, m.DeleteMessage(context.Background(), "r1", msg.ID))
	assert.Empty(t, m.Messages("r1"))
	assert.Zero(t, m.Pending())
}

func TestDeleteWhileOfflineReportsUnavailable(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	apply(m, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "b", time.Now().UTC())})

	err := m.DeleteMessage(context.Background(), "r1", "m1")
	assert.True(t, errors.Is(err, models.ErrConnectionUnavailable))
}

func TestTombstoneKeepsPosition(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	apply(m,
		protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "b", base)},
		protocol.MessageEvent{RoomID: "r1", Message: canonical("m2", "", "b", base.Add(time.Second))},
		protocol.MessageDeleted{RoomID: "r1", MessageID: "m1"},
	)

	entries := m.Messages("r1")
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].ID)
	assert.True(t, entries[0].IsDeleted)
	rooms := m.Rooms()
	require.Len(t, rooms, 1)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "m2", rooms[0].LastMessage.ID)
}

func TestStatusNeverRegressesLocally(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	msg := canonical("m1", "c1", "a", time.Now().UTC())
	apply(m,
		protocol.MessageEvent{RoomID: "r1", Message: msg},
		protocol.StatusEvent{RoomID: "r1", MessageID: "m1", Status: models.StatusRead},
		protocol.StatusEvent{RoomID: "r1", MessageID: "m1", Status: models.StatusDelivered},
		protocol.MessageEvent{RoomID: "r1", Message: msg},
	)
	entries := m.Messages("r1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusRead, entries[0].Status)
}

func TestReactionsAndClear(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	pending, err := m.Send("r1", Outgoing{Text: "queued"})
	require.NoError(t, err)
	apply(m,
		protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "b", time.Now().UTC())},
		protocol.ReactionAdded{RoomID: "r1", MessageID: "m1", Reaction: models.Reaction{Emoji: "👍", UserID: "b"}},
		protocol.ReactionAdded{RoomID: "r1", MessageID: "m1", Reaction: models.Reaction{Emoji: "👍", UserID: "b"}},
	)
	entries := m.Messages("r1")
	require.Len(t, entries, 2)
	for _, e := range entries {
		if e.ID == "m1" {
			assert.Len(t, e.Reactions, 2)
		}
	}

	apply(m, protocol.ChatCleared{RoomID: "r1"})
	entries = m.Messages("r1")
	require.Len(t, entries, 1)
	assert.Equal(t, pending.ClientID, entries[0].ID)
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(&fakeDialer{}, Config{DeviceID: "a", TypingTTL: 5 * time.Second, Now: clk.Now})

	apply(m,
		protocol.TypingEvent{RoomID: "r1", DeviceID: "b", IsTyping: true},
		protocol.TypingEvent{RoomID: "r1", DeviceID: "a", IsTyping: true},
	)
	assert.Equal(t, []string{"b"}, m.TypingUsers("r1"))

	clk.Advance(4 * time.Second)
	apply(m, protocol.TypingEvent{RoomID: "r1", DeviceID: "b", IsTyping: true})
	clk.Advance(4 * time.Second)
	assert.Equal(t, []string{"b"}, m.TypingUsers("r1"))

	clk.Advance(2 * time.Second)
	assert.Empty(t, m.TypingUsers("r1"))
	m.expireTyping()
	m.mu.Lock()
	assert.Empty(t, m.rooms["r1"].typing)
	m.mu.Unlock()
}

func TestOfflinePresenceClearsTyping(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	apply(m,
		protocol.TypingEvent{RoomID: "r1", DeviceID: "b", IsTyping: true},
		protocol.PresenceEvent{RoomID: "r1", Presence: models.Presence{DeviceID: "b", Online: false}},
	)
	assert.Empty(t, m.TypingUsers("r1"))
	p, ok := m.Presence("b")
	require.True(t, ok)
	assert.False(t, p.Online)
}

func TestRoomsOrderPinnedThenActivity(t *testing.T) {
	m := New(&fakeDialer{}, Config{DeviceID: "a"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	apply(m,
		protocol.RoomUpdate{RoomID: "old", LastActivity: base, UnreadCount: 2},
		protocol.RoomUpdate{RoomID: "new", LastActivity: base.Add(time.Hour)},
		protocol.RoomUpdate{RoomID: "pinned", LastActivity: base.Add(-time.Hour), Prefs: &models.RoomPrefs{Pinned: true}},
	)

	rooms := m.Rooms()
	require.Len(t, rooms, 3)
	assert.Equal(t, []string{"pinned", "new", "old"}, []string{rooms[0].ID, rooms[1].ID, rooms[2].ID})
	assert.Equal(t, 2, rooms[2].UnreadCount)
	assert.True(t, rooms[0].Pinned)
}

func TestMarkReadSendsReceipts(t *testing.T) {
	m, ft := connected(t, Config{})
	ft.push(t, protocol.RoomUpdate{RoomID: "r1", UnreadCount: 1})
	ft.push(t, protocol.MessageEvent{RoomID: "r1", Message: canonical("m1", "", "b", time.Now().UTC())})
	expectSent[protocol.MessageStatus](t, ft)
	require.Eventually(t, func() bool { return len(m.Messages("r1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.MarkRead(context.Background(), "r1"))
	receipt := expectSent[protocol.MessageStatus](t, ft)
	assert.Equal(t, models.StatusRead, receipt.Status)
	assert.Equal(t, "m1", receipt.MessageID)
	assert.Zero(t, m.Rooms()[0].UnreadCount)
}

func TestSetFlagIsLocalAndForwarded(t *testing.T) {
	m, ft := connected(t, Config{})
	require.NoError(t, m.SetFlag(context.Background(), "r1", models.FlagMuted, true))
	flag := expectSent[protocol.RoomFlag](t, ft)
	assert.Equal(t, models.FlagMuted, flag.Flag)
	assert.True(t, flag.Value)
	assert.True(t, m.Rooms()[0].Muted)

	err := m.SetFlag(context.Background(), "r1", models.RoomFlag("starred"), true)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestReconnectRejoinsActiveRoomsAndKeepsUnackedSends(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	m := New(&fakeDialer{queue: []*fakeTransport{first, second}}, Config{DeviceID: "a", ReconnectDelay: time.Millisecond})
	run(t, m)
	expectSent[protocol.DeviceInfo](t, first)

	require.NoError(t, m.Activate(context.Background(), "r1", models.RoomDirect))
	expectSent[protocol.JoinRoom](t, first)

	first.push(t, protocol.MessageList{RoomID: "r1", Messages: []models.Message{canonical("m1", "", "b", time.Now().UTC())}})
	require.Eventually(t, func() bool { return len(m.Messages("r1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = first.Close()
	queued, err := m.Send("r1", Outgoing{Text: "while away"})
	require.NoError(t, err)

	expectSent[protocol.DeviceInfo](t, second)
	join := expectSent[protocol.JoinRoom](t, second)
	assert.Equal(t, "r1", join.RoomID)
	assert.Equal(t, models.RoomDirect, join.RoomKind)

	base := time.Now().UTC()
	second.push(t, protocol.MessageList{RoomID: "r1", Messages: []models.Message{
		canonical("m1", "", "b", base.Add(-time.Minute)),
		canonical("m2", "", "b", base.Add(-time.Second)),
	}})
	require.Eventually(t, func() bool {
		ids := []string{}
		for _, e := range m.Messages("r1") {
			ids = append(ids, e.ID)
		}
		return len(ids) == 3 && ids[0] == "m1" && ids[1] == "m2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, queued.ClientID, m.Messages("r1")[2].ID)
}

func TestRunGivesUpAfterMaxReconnects(t *testing.T) {
	d := &fakeDialer{}
	m := New(d, Config{DeviceID: "a", ReconnectDelay: time.Millisecond, MaxReconnects: 2})
	msg, err := m.Send("r1", Outgoing{Text: "never"})
	require.NoError(t, err)

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransport))
	assert.Equal(t, 3, d.dials)

	entries := m.Messages("r1")
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ClientID, entries[0].ID)
	assert.True(t, entries[0].Failed)
}
