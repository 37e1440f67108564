package telemetry

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Publisher ships an audit envelope to the event bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *log.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	DeviceID      *string      `json:"device_id,omitempty"`
	RoomID        *string      `json:"room_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// AuditEntry is one audited action.
type AuditEntry struct {
	Level     string
	Text      string
	RequestID string
	DeviceID  string
	RoomID    string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *log.Logger) *AuditEmitter {
	if logger == nil {
		logger = log.Default()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, entry AuditEntry) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.Info("audit emit", "level", entry.Level, "request_id", entry.RequestID, "device", entry.DeviceID, "room", entry.RoomID, "text", entry.Text)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     entry.RequestID,
		DeviceID:      optional(entry.DeviceID),
		RoomID:        optional(entry.RoomID),
		Payload: AuditPayload{
			Level: entry.Level,
			Text:  entry.Text,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, nil); err != nil {
		e.logger.Warn("audit publish failed", "err", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
