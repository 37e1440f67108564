// Package syncmgr is the device side of the relay: a local mirror of rooms
// and messages that applies optimistic sends immediately, reconciles them
// with the relay's canonical events, retries unacknowledged sends and
// resynchronizes after reconnecting.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"chat-relay/internal/models"
	"chat-relay/internal/protocol"
)

const (
	DefaultAckTimeout        = 5 * time.Second
	DefaultMaxRetries        = 3
	DefaultTypingTTL         = 5 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	DefaultMaxReconnects     = 5
	DefaultHeartbeatInterval = 20 * time.Second
)

// Config tunes a Manager. Zero values take the defaults above; a negative
// MaxRetries disables retries.
type Config struct {
	DeviceID    string
	DisplayName string
	Avatar      string

	AckTimeout        time.Duration
	MaxRetries        int
	TypingTTL         time.Duration
	ReconnectDelay    time.Duration
	MaxReconnects     int
	HeartbeatInterval time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// EventKind classifies a change notification.
type EventKind string

const (
	EventMessages   EventKind = "messages"
	EventRooms      EventKind = "rooms"
	EventTyping     EventKind = "typing"
	EventPresence   EventKind = "presence"
	EventConnection EventKind = "connection"
	EventSendFailed EventKind = "send_failed"
	EventError      EventKind = "error"
)

// Event tells subscribers which part of the mirror changed.
type Event struct {
	Kind      EventKind
	RoomID    string
	MessageID string
	DeviceID  string
	Connected bool
	Err       error
}

type pendingSend struct {
	seq         uint64
	roomID      string
	kind        models.RoomKind
	draft       protocol.Draft
	attempts    int
	lastAttempt time.Time
}

// Manager owns one device's mirror and its connection to the relay.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *log.Logger

	mu        sync.Mutex
	rooms     map[string]*roomMirror
	active    map[string]struct{}
	pending   map[string]*pendingSend
	seq       uint64
	presence  map[string]models.Presence
	transport Transport

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	kick chan struct{}
}

// New creates a manager that connects through dialer once Run is called.
func New(dialer Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   cfg.Logger.With("device", cfg.DeviceID),
		rooms:    make(map[string]*roomMirror),
		active:   make(map[string]struct{}),
		pending:  make(map[string]*pendingSend),
		presence: make(map[string]models.Presence),
		subs:     make(map[int]chan Event),
		kick:     make(chan struct{}, 1),
	}
}

// Subscribe registers a listener. Events are dropped for listeners that fall
// behind. The returned function unsubscribes and closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(events ...Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ev := range events {
		for _, ch := range m.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Connected reports whether a relay connection is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport != nil
}

// Run keeps a connection to the relay open until ctx is cancelled. Failed
// dials back off linearly; once MaxReconnects consecutive dials fail, every
// pending send is marked failed and Run returns the last error.
func (m *Manager) Run(ctx context.Context) error {
	failures := 0
	for {
		t, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures > m.cfg.MaxReconnects {
				m.failAllPending()
				m.publish(Event{Kind: EventError, Err: err})
				return fmt.Errorf("reconnect gave up after %d attempts: %w", m.cfg.MaxReconnects, err)
			}
			delay := m.cfg.ReconnectDelay * time.Duration(failures)
			m.logger.Warn("dial failed", "attempt", failures, "retry_in", delay, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		err = m.session(ctx, t)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("connection lost", "err", err)
	}
}

func (m *Manager) session(ctx context.Context, t Transport) error {
	m.mu.Lock()
	m.transport = t
	for _, p := range m.pending {
		p.lastAttempt = time.Time{}
	}
	rooms := make([]protocol.JoinRoom, 0, len(m.active))
	for id := range m.active {
		join := protocol.JoinRoom{RoomID: id}
		if r, ok := m.rooms[id]; ok {
			join.RoomKind = r.kind
		}
		rooms = append(rooms, join)
	}
	info := m.deviceInfoLocked()
	m.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	m.logger.Info("connected", "rooms", len(rooms))
	m.publish(Event{Kind: EventConnection, Connected: true})

	done := make(chan struct{})
	defer func() {
		close(done)
		m.mu.Lock()
		if m.transport == t {
			m.transport = nil
		}
		m.mu.Unlock()
		_ = t.Close()
		m.publish(Event{Kind: EventConnection, Connected: false})
	}()

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := t.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	// The relay keeps no per-connection queue, so every previously active
	// room is rejoined, which replies with its full message list.
	hello := []protocol.Inbound{info}
	for _, join := range rooms {
		hello = append(hello, join)
	}
	for _, ev := range hello {
		if err := m.write(ctx, t, ev); err != nil {
			return err
		}
	}
	m.flush(ctx)

	tick := time.NewTicker(m.tickInterval())
	defer tick.Stop()
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			m.handleFrame(ctx, t, data)
		case <-m.kick:
			m.flush(ctx)
		case <-tick.C:
			m.flush(ctx)
			m.expireTyping()
		case <-heartbeat.C:
			if err := m.write(ctx, t, protocol.Heartbeat{}); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) tickInterval() time.Duration {
	d := m.cfg.AckTimeout
	if m.cfg.TypingTTL < d {
		d = m.cfg.TypingTTL
	}
	d /= 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (m *Manager) write(ctx context.Context, t Transport, ev protocol.Inbound) error {
	data, err := protocol.EncodeInbound(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	defer cancel()
	return t.Send(ctx, data)
}

// sendNow writes ev on the current connection.
func (m *Manager) sendNow(ctx context.Context, ev protocol.Inbound) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return models.ErrConnectionUnavailable
	}
	return m.write(ctx, t, ev)
}

// flush transmits pending sends that were never sent or whose ack timed
// out, and fails the ones that ran out of retries.
func (m *Manager) flush(ctx context.Context) {
	now := m.cfg.Now()
	var due []*pendingSend
	var failed []Event

	m.mu.Lock()
	t := m.transport
	for clientID, p := range m.pending {
		if !p.lastAttempt.IsZero() && now.Sub(p.lastAttempt) < m.cfg.AckTimeout {
			continue
		}
		if p.attempts > m.cfg.MaxRetries {
			failed = append(failed, m.failLocked(clientID))
			continue
		}
		if t == nil {
			continue
		}
		p.attempts++
		p.lastAttempt = now
		due = append(due, p)
	}
	m.mu.Unlock()

	m.publish(failed...)
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, p := range due {
		if p.attempts > 1 {
			m.logger.Debug("retrying send", "room", p.roomID, "client_id", p.draft.ClientID, "attempt", p.attempts)
		}
		if err := m.write(ctx, t, protocol.SendMessage{RoomID: p.roomID, RoomKind: p.kind, Draft: p.draft}); err != nil {
			m.logger.Warn("send failed", "room", p.roomID, "client_id", p.draft.ClientID, "err", err)
			return
		}
	}
}

// failLocked drops a pending send and flags its optimistic entry.
func (m *Manager) failLocked(clientID string) Event {
	p, ok := m.pending[clientID]
	if !ok {
		return Event{Kind: EventSendFailed, MessageID: clientID}
	}
	delete(m.pending, clientID)
	if r, ok := m.rooms[p.roomID]; ok {
		if i := r.findLocal(clientID); i >= 0 {
			r.entries[i].Failed = true
		}
	}
	m.logger.Warn("send gave up", "room", p.roomID, "client_id", clientID, "attempts", p.attempts)
	return Event{Kind: EventSendFailed, RoomID: p.roomID, MessageID: clientID}
}

func (m *Manager) failAllPending() {
	m.mu.Lock()
	var events []Event
	for clientID := range m.pending {
		events = append(events, m.failLocked(clientID))
	}
	m.mu.Unlock()
	m.publish(events...)
}

func (m *Manager) handleFrame(ctx context.Context, t Transport, data []byte) {
	ev, err := protocol.DecodeOutbound(data)
	if err != nil {
		if errors.Is(err, models.ErrUnknownEventType) {
			m.logger.Info("ignoring unknown event", "err", err)
		} else {
			m.logger.Warn("bad relay event", "err", err)
		}
		return
	}

	m.mu.Lock()
	acks, events := m.applyLocked(ev)
	m.mu.Unlock()

	m.publish(events...)
	for _, ack := range acks {
		if err := m.write(ctx, t, ack); err != nil {
			m.logger.Warn("ack failed", "err", err)
			return
		}
	}
}
