// Package presence tracks which devices are online, independent of rooms.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"chat-relay/internal/models"
)

// DefaultHeartbeatTimeout is how long an online device may stay silent.
const DefaultHeartbeatTimeout = 45 * time.Second

// Event is published whenever a device changes between online and offline.
type Event struct {
	DeviceID string
	Online   bool
	LastSeen time.Time
}

// Presence converts the event to its wire model.
func (e Event) Presence() models.Presence {
	return models.Presence{DeviceID: e.DeviceID, Online: e.Online, LastSeen: e.LastSeen}
}

type entry struct {
	online      bool
	lastSeen    time.Time
	lastBeat    time.Time
	displayName string
	avatar      string
}

// Tracker holds per-device presence and profile data and fans out changes to
// subscribers.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[int]chan Event
	nextSub int
	timeout time.Duration
	now     func() time.Time
	logger  *log.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTimeout sets the heartbeat timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker builds an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[string]*entry),
		subs:    make(map[int]chan Event),
		timeout: DefaultHeartbeatTimeout,
		now:     time.Now,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) entryLocked(deviceID string) *entry {
	e, ok := t.entries[deviceID]
	if !ok {
		e = &entry{}
		t.entries[deviceID] = e
	}
	return e
}

// MarkOnline records that deviceID is connected.
func (t *Tracker) MarkOnline(deviceID string) {
	now := t.now()
	t.mu.Lock()
	e := t.entryLocked(deviceID)
	changed := !e.online
	e.online = true
	e.lastSeen = now
	e.lastBeat = now
	t.mu.Unlock()
	if changed {
		t.publish(Event{DeviceID: deviceID, Online: true, LastSeen: now})
	}
}

// MarkOffline records that deviceID disconnected, stamping last-seen.
func (t *Tracker) MarkOffline(deviceID string) {
	now := t.now()
	t.mu.Lock()
	e := t.entryLocked(deviceID)
	changed := e.online
	e.online = false
	e.lastSeen = now
	t.mu.Unlock()
	if changed {
		t.publish(Event{DeviceID: deviceID, Online: false, LastSeen: now})
	}
}

// Heartbeat refreshes deviceID. A device that timed out comes back online.
func (t *Tracker) Heartbeat(deviceID string) {
	now := t.now()
	t.mu.Lock()
	e := t.entryLocked(deviceID)
	changed := !e.online
	e.online = true
	e.lastSeen = now
	e.lastBeat = now
	t.mu.Unlock()
	if changed {
		t.publish(Event{DeviceID: deviceID, Online: true, LastSeen: now})
	}
}

// SetProfile updates the display name and avatar of deviceID.
func (t *Tracker) SetProfile(deviceID, displayName, avatar string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(deviceID)
	if displayName != "" {
		e.displayName = displayName
	}
	if avatar != "" {
		e.avatar = avatar
	}
}

// Get returns the presence of one device. Unknown devices are offline.
func (t *Tracker) Get(deviceID string) models.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := models.Presence{DeviceID: deviceID}
	if e, ok := t.entries[deviceID]; ok {
		p.Online = e.online
		p.LastSeen = e.lastSeen
		p.DisplayName = e.displayName
		p.Avatar = e.avatar
	}
	return p
}

// Device returns the profile and presence of one device.
func (t *Tracker) Device(deviceID string) models.Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := models.Device{ID: deviceID, DisplayName: deviceID}
	if e, ok := t.entries[deviceID]; ok {
		if e.displayName != "" {
			d.DisplayName = e.displayName
		}
		d.Avatar = e.avatar
		d.IsOnline = e.online
		d.LastSeen = e.lastSeen
	}
	return d
}

// Devices returns Device for each id, in order.
func (t *Tracker) Devices(ids []string) []models.Device {
	out := make([]models.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Device(id))
	}
	return out
}

// GetOnline filters ids down to the devices currently online.
func (t *Tracker) GetOnline(ids []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.entries[id]; ok && e.online {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe registers a listener. Events are dropped for listeners whose
// buffer is full. The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) publish(ev Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.logger.Warn("presence subscriber full, dropping event", "device", ev.DeviceID)
		}
	}
}

// Sweep marks offline every online device whose last heartbeat is older than
// the timeout and returns their ids.
func (t *Tracker) Sweep() []string {
	now := t.now()
	var expired []Event
	t.mu.Lock()
	for id, e := range t.entries {
		if e.online && now.Sub(e.lastBeat) > t.timeout {
			e.online = false
			expired = append(expired, Event{DeviceID: id, Online: false, LastSeen: e.lastSeen})
		}
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, ev := range expired {
		t.logger.Info("presence expired", "device", ev.DeviceID)
		t.publish(ev)
		ids = append(ids, ev.DeviceID)
	}
	return ids
}

// Run sweeps on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.timeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
