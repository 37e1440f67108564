// Package broadcast applies inbound device events to room and message state
// and fans the resulting canonical events out to interested connections.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
	"chat-relay/internal/repositories"
	"chat-relay/internal/store"
	"chat-relay/internal/telemetry"
)

// DefaultPersistTimeout bounds a single snapshot load or save.
const DefaultPersistTimeout = 2 * time.Second

// Registry is the connection registry as seen by the engine.
type Registry interface {
	Send(deviceID string, payload []byte) error
	Broadcast(deviceIDs []string, payload []byte) int
	Activate(deviceID, roomID string)
	Deactivate(deviceID, roomID string)
	IsActive(deviceID, roomID string) bool
	Connected(deviceID string) bool
	ActiveIn(roomID string) []string
}

// Presence is the presence tracker as seen by the engine.
type Presence interface {
	Heartbeat(deviceID string)
	SetProfile(deviceID, displayName, avatar string)
	Get(deviceID string) models.Presence
	Device(deviceID string) models.Device
	Devices(ids []string) []models.Device
	GetOnline(ids []string) []string
	Subscribe(buffer int) (<-chan presence.Event, func())
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Snapshots      repositories.SnapshotRepository
	Audit          *telemetry.AuditEmitter
	PersistTimeout time.Duration
	Now            func() time.Time
	Logger         *log.Logger
}

// Engine is the single writer of the room store and message log. Every
// event touching a room runs under that room's lock, so mutations and
// fan-out for one room happen in the order events were received.
type Engine struct {
	rooms    *store.RoomStore
	messages *store.MessageLog
	registry Registry
	presence Presence

	snapshots      repositories.SnapshotRepository
	audit          *telemetry.AuditEmitter
	persistTimeout time.Duration
	now            func() time.Time
	logger         *log.Logger
	tracer         trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

// roomLock is dropped from Engine.locks once nobody holds or waits for it.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// New wires an engine over the given state and collaborators.
func New(rooms *store.RoomStore, messages *store.MessageLog, registry Registry, tracker Presence, opts Options) *Engine {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Engine{
		rooms:          rooms,
		messages:       messages,
		registry:       registry,
		presence:       tracker,
		snapshots:      opts.Snapshots,
		audit:          opts.Audit,
		persistTimeout: opts.PersistTimeout,
		now:            opts.Now,
		logger:         opts.Logger,
		tracer:         otel.Tracer("chat-relay/broadcast"),
		locks:          make(map[string]*roomLock),
	}
}

// lockRoom acquires the sequencer for roomID and returns its release.
func (e *Engine) lockRoom(roomID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[roomID]
	if !ok {
		l = &roomLock{}
		e.locks[roomID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, roomID)
		}
		e.locksMu.Unlock()
	}
}

// Handle runs one inbound event from deviceID through validation, mutation
// and fan-out. A rejected event is reported to the origin only and the error
// is returned for logging.
func (e *Engine) Handle(ctx context.Context, deviceID string, ev protocol.Inbound) error {
	ctx, span := e.tracer.Start(ctx, "relay."+string(ev.Type()), trace.WithAttributes(
		attribute.String("relay.device_id", deviceID),
		attribute.String("relay.room_id", ev.Room()),
	))
	defer span.End()
	observability.IncInboundEvent(string(ev.Type()))

	var err error
	switch ev := ev.(type) {
	case protocol.Heartbeat:
		e.presence.Heartbeat(deviceID)
	case protocol.DeviceInfo:
		err = e.deviceInfo(deviceID, ev)
	default:
		unlock := e.lockRoom(ev.Room())
		err = e.apply(ctx, deviceID, ev)
		unlock()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, models.ErrorCode(err))
		e.reject(deviceID, ev, err)
	}
	return err
}

func (e *Engine) apply(ctx context.Context, deviceID string, ev protocol.Inbound) error {
	switch ev := ev.(type) {
	case protocol.SendMessage:
		return e.sendMessage(ctx, deviceID, ev)
	case protocol.DeleteMessage:
		return e.deleteMessage(ctx, deviceID, ev)
	case protocol.ClearChat:
		return e.clearChat(ctx, deviceID, ev)
	case protocol.Typing:
		return e.typing(ctx, deviceID, ev)
	case protocol.AddReaction:
		return e.addReaction(ctx, deviceID, ev)
	case protocol.JoinRoom:
		return e.joinRoom(ctx, deviceID, ev)
	case protocol.LeaveRoom:
		e.registry.Deactivate(deviceID, ev.RoomID)
		return nil
	case protocol.Sync:
		return e.sync(ctx, deviceID, ev.RoomID)
	case protocol.MessageStatus:
		return e.messageStatus(ctx, deviceID, ev)
	case protocol.RoomFlag:
		return e.roomFlag(ctx, deviceID, ev)
	}
	return models.ErrUnknownEventType
}

// Reject reports an event that never reached the engine, such as one that
// failed to decode, to its origin.
func (e *Engine) Reject(deviceID string, requestType string, err error) {
	e.sendError(deviceID, protocol.ErrorEvent{
		Code:        models.ErrorCode(err),
		Message:     err.Error(),
		RequestType: protocol.InboundType(requestType),
	})
}

func (e *Engine) reject(deviceID string, ev protocol.Inbound, err error) {
	out := protocol.ErrorEvent{
		RoomID:      ev.Room(),
		Code:        models.ErrorCode(err),
		Message:     err.Error(),
		RequestType: ev.Type(),
	}
	switch ev := ev.(type) {
	case protocol.SendMessage:
		out.ClientID = ev.Draft.ClientID
	case protocol.DeleteMessage:
		out.MessageID = ev.MessageID
	case protocol.AddReaction:
		out.MessageID = ev.MessageID
	case protocol.MessageStatus:
		out.MessageID = ev.MessageID
	}
	e.logger.Warn("event rejected", "device", deviceID, "room", out.RoomID, "type", ev.Type(), "err", err)
	e.sendError(deviceID, out)
}

func (e *Engine) sendError(deviceID string, out protocol.ErrorEvent) {
	observability.IncRejectedEvent(out.Code)
	e.sendTo(deviceID, out)
}

// sendTo pushes one event to one device. Delivery failures are dropped.
func (e *Engine) sendTo(deviceID string, out protocol.Outbound) {
	payload, err := protocol.EncodeOutbound(out)
	if err != nil {
		e.logger.Error("encode outbound", "type", out.Type(), "err", err)
		return
	}
	if err := e.registry.Send(deviceID, payload); err != nil {
		observability.IncFanoutDropped()
		e.logger.Debug("send dropped", "device", deviceID, "type", out.Type(), "err", err)
	}
}

// fanout pushes one event to every listed device and returns how many
// connections accepted it.
func (e *Engine) fanout(recipients []string, out protocol.Outbound) int {
	if len(recipients) == 0 {
		observability.ObserveFanout(0)
		return 0
	}
	payload, err := protocol.EncodeOutbound(out)
	if err != nil {
		e.logger.Error("encode outbound", "type", out.Type(), "err", err)
		return 0
	}
	n := e.registry.Broadcast(recipients, payload)
	observability.ObserveFanout(n)
	return n
}

// with returns ids plus extra when it is not already listed.
func with(ids []string, extra string) []string {
	for _, id := range ids {
		if id == extra {
			return ids
		}
	}
	return append(ids, extra)
}

func without(ids []string, skip string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

// loadRoom makes roomID known to the store, hydrating it from the snapshot
// repository when possible. Callers hold the room lock.
func (e *Engine) loadRoom(ctx context.Context, roomID string) bool {
	if e.rooms.Exists(roomID) {
		return true
	}
	if e.snapshots == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()
	snap, err := e.snapshots.LoadRoomSnapshot(ctx, roomID)
	if errors.Is(err, repositories.ErrSnapshotNotFound) {
		return false
	}
	if err != nil {
		observability.IncSnapshotError("load")
		e.logger.Warn("snapshot load failed", "room", roomID, "err", err)
		return false
	}
	snap.Room.ID = roomID
	e.rooms.Restore(snap.Room)
	e.messages.Restore(roomID, snap.Messages)
	e.logger.Info("room restored", "room", roomID, "messages", len(snap.Messages))
	return true
}

// requireRoom returns the room or ErrRoomNotFound. Callers hold the room lock.
func (e *Engine) requireRoom(ctx context.Context, roomID string) (models.Room, error) {
	e.loadRoom(ctx, roomID)
	return e.rooms.Get(roomID)
}

// requireMember is requireRoom for events only participants may send.
func (e *Engine) requireMember(ctx context.Context, roomID, deviceID string) (models.Room, error) {
	room, err := e.requireRoom(ctx, roomID)
	if err != nil {
		return room, err
	}
	if !room.HasParticipant(deviceID) {
		return room, fmt.Errorf("%w: %s is not a participant of %s", models.ErrNotParticipant, deviceID, roomID)
	}
	return room, nil
}

// persist saves the room snapshot. Failures are logged and never surfaced.
// Callers hold the room lock.
func (e *Engine) persist(ctx context.Context, roomID string) {
	if e.snapshots == nil {
		return
	}
	room, err := e.rooms.Get(roomID)
	if err != nil {
		return
	}
	msgs, err := e.messages.List(roomID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()
	if err := e.snapshots.SaveRoomSnapshot(ctx, models.Snapshot{Room: room, Messages: msgs}); err != nil {
		observability.IncSnapshotError("save")
		e.logger.Warn("snapshot save failed", "room", roomID, "err", err)
	}
}

// touch recomputes lastActivity from the newest live message, falling back
// to the room's creation time.
func (e *Engine) touch(roomID string) models.Room {
	room, err := e.rooms.Get(roomID)
	if err != nil {
		return room
	}
	at := room.CreatedAt
	if latest, ok := e.messages.Latest(roomID); ok {
		at = latest.CreatedAt
	}
	_ = e.rooms.SetLastActivity(roomID, at)
	room.LastActivity = at
	return room
}

func (e *Engine) publish(ctx context.Context, event, roomID, deviceID string, fields map[string]interface{}) {
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	headers := observability.BuildHeaders("", traceID)
	_ = observability.PublishEvent(ctx, observability.RoutingRoomEvents, observability.RoomEvent(event, roomID, deviceID, fields), headers)
}
