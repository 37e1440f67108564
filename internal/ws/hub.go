package ws

import (
	"fmt"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// Conn is the outbound half of a device connection.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// PresenceMarker is notified when devices connect and disconnect.
type PresenceMarker interface {
	MarkOnline(deviceID string)
	MarkOffline(deviceID string)
}

type client struct {
	conn   Conn
	info   ConnInfo
	active map[string]struct{}
}

// Hub is the connection registry: one live connection per device plus the
// set of rooms each device is actively viewing.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	presence PresenceMarker
	logger   *log.Logger
}

// NewHub creates an empty hub. presence may be nil.
func NewHub(presence PresenceMarker, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{clients: make(map[string]*client), presence: presence, logger: logger}
}

// Register binds conn to deviceID. A previous connection for the same device
// is closed and replaced.
func (h *Hub) Register(deviceID string, conn Conn, info ConnInfo) {
	h.mu.Lock()
	prev, had := h.clients[deviceID]
	h.clients[deviceID] = &client{conn: conn, info: info, active: make(map[string]struct{})}
	h.mu.Unlock()

	if had && prev.conn != conn {
		h.logger.Info("replacing connection", "device", deviceID, "old_conn", prev.info.ConnID, "conn", info.ConnID)
		_ = prev.conn.Close()
	}
	if h.presence != nil {
		h.presence.MarkOnline(deviceID)
	}
}

// Deregister removes the device's connection. Unknown devices are ignored.
func (h *Hub) Deregister(deviceID string) {
	h.mu.Lock()
	_, ok := h.clients[deviceID]
	delete(h.clients, deviceID)
	h.mu.Unlock()
	if ok && h.presence != nil {
		h.presence.MarkOffline(deviceID)
	}
}

// Release deregisters deviceID only while conn is still its current
// connection, so a replaced connection shutting down leaves its successor
// alone.
func (h *Hub) Release(deviceID string, conn Conn) bool {
	h.mu.Lock()
	c, ok := h.clients[deviceID]
	if !ok || c.conn != conn {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, deviceID)
	h.mu.Unlock()
	if h.presence != nil {
		h.presence.MarkOffline(deviceID)
	}
	return true
}

// Activate marks roomID as actively viewed by deviceID.
func (h *Hub) Activate(deviceID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[deviceID]; ok {
		c.active[roomID] = struct{}{}
	}
}

// Deactivate stops pushing full room payloads to deviceID.
func (h *Hub) Deactivate(deviceID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[deviceID]; ok {
		delete(c.active, roomID)
	}
}

// IsActive reports whether deviceID is connected and viewing roomID.
func (h *Hub) IsActive(deviceID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[deviceID]
	if !ok {
		return false
	}
	_, active := c.active[roomID]
	return active
}

// Connected reports whether deviceID has a live connection.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[deviceID]
	return ok
}

// ActiveIn returns the connected devices viewing roomID, sorted.
func (h *Hub) ActiveIn(roomID string) []string {
	h.mu.RLock()
	var out []string
	for id, c := range h.clients {
		if _, ok := c.active[roomID]; ok {
			out = append(out, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ActiveRooms returns the rooms deviceID is viewing, sorted.
func (h *Hub) ActiveRooms(deviceID string) []string {
	h.mu.RLock()
	var out []string
	if c, ok := h.clients[deviceID]; ok {
		for id := range c.active {
			out = append(out, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of connected devices.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Info returns the connection metadata for deviceID.
func (h *Hub) Info(deviceID string) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[deviceID]
	if !ok {
		return ConnInfo{}, false
	}
	return c.info, true
}

// Send pushes payload to one device.
func (h *Hub) Send(deviceID string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.clients[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrConnectionUnavailable, deviceID)
	}
	if err := c.conn.Send(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrConnectionUnavailable, deviceID, err)
	}
	return nil
}

// Broadcast pushes payload to every listed device and returns how many
// accepted it. Failures are logged per recipient and never abort the loop.
func (h *Hub) Broadcast(deviceIDs []string, payload []byte) int {
	delivered := 0
	for _, id := range deviceIDs {
		if err := h.Send(id, payload); err != nil {
			h.logger.Debug("fanout dropped", "device", id, "err", err)
			observability.IncFanoutDropped()
			continue
		}
		delivered++
	}
	return delivered
}
