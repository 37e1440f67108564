package observability

import "time"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

const (
	RoutingWSEvents   = "ws_events.devices"
	RoutingRoomEvents = "relay_events.rooms"
)

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// WSEvent builds the envelope for a connection lifecycle event.
func WSEvent(event, connID, deviceID, ip, reason string, connectedAt time.Time) EventEnvelope {
	var duration int64
	if !connectedAt.IsZero() {
		duration = time.Since(connectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     connID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"device_id": deviceID,
				"ip":        ip,
			},
		},
	}
}

// RoomEvent builds the envelope for an applied room mutation.
func RoomEvent(event, roomID, deviceID string, fields map[string]interface{}) EventEnvelope {
	payload := map[string]interface{}{
		"room_id":   roomID,
		"device_id": deviceID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	return EventEnvelope{
		EventType: "relay_events",
		EventName: event,
		Payload:   payload,
	}
}
