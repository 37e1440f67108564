package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/protocol"
)

// Dispatcher applies decoded client events.
type Dispatcher interface {
	Handle(ctx context.Context, deviceID string, ev protocol.Inbound) error
	Reject(deviceID string, requestType string, err error)
}

// Heartbeater records liveness for a device.
type Heartbeater interface {
	Heartbeat(deviceID string)
}

// HandlerConfig tunes a websocket session.
type HandlerConfig struct {
	SendBuffer     int
	RateLimit      rate.Limit
	Burst          int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// Handler upgrades device connections and pumps their events into the
// dispatcher.
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	heartbeat  Heartbeater
	cfg        HandlerConfig
	logger     *log.Logger
}

// NewHandler constructs a Handler. heartbeat may be nil.
func NewHandler(hub *Hub, dispatcher Dispatcher, heartbeat Heartbeater, cfg HandlerConfig, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{hub: hub, dispatcher: dispatcher, heartbeat: heartbeat, cfg: cfg.withDefaults(), logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the request and registers the device.
func (h *Handler) Handle(c *gin.Context) {
	deviceID := observability.DeviceIDFromRequest(c.Request)
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	ctx, span := otel.Tracer("chat-relay/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "device", deviceID, "err", err)
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    deviceID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	conn := newSocketConn(socket, h.cfg.SendBuffer, h.cfg.WriteWait, h.cfg.PongWait*9/10)
	h.hub.Register(deviceID, conn, info)
	go conn.writePump()

	h.logger.Info("device connected", "device", deviceID, "conn", info.ConnID, "ip", info.IP)
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	headers := observability.BuildHeaders(requestID, traceID)
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents,
		observability.WSEvent("ws_connect", info.ConnID, deviceID, info.IP, "", info.ConnectedAt), headers)

	// The handshake may carry a display name; treat it as an initial device_info.
	if name := c.Query("displayName"); name != "" {
		_ = h.dispatcher.Handle(context.WithoutCancel(ctx), deviceID, protocol.DeviceInfo{DeviceID: deviceID, DisplayName: name})
	}

	go h.readLoop(context.WithoutCancel(ctx), socket, conn, info, headers)
}

func (h *Handler) readLoop(ctx context.Context, socket *websocket.Conn, conn *socketConn, info ConnInfo, headers map[string]string) {
	deviceID := info.DeviceID
	var closeReason string
	defer func() {
		h.hub.Release(deviceID, conn)
		_ = conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		_ = observability.PublishEvent(ctx, observability.RoutingWSEvents,
			observability.WSEvent("ws_disconnect", info.ConnID, deviceID, info.IP, closeReason, info.ConnectedAt), headers)
		h.logger.Info("device disconnected", "device", deviceID, "conn", info.ConnID, "reason", closeReason)
	}()

	limiter := rate.NewLimiter(h.cfg.RateLimit, h.cfg.Burst)
	socket.SetReadLimit(h.cfg.MaxMessageSize)
	_ = socket.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	socket.SetPongHandler(func(string) error {
		if h.heartbeat != nil {
			h.heartbeat.Heartbeat(deviceID)
		}
		return socket.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				_ = observability.PublishEvent(ctx, observability.RoutingWSEvents,
					observability.WSEvent("ws_error", info.ConnID, deviceID, info.IP, closeReason, info.ConnectedAt), headers)
			}
			return
		}
		_ = socket.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		ev, err := protocol.DecodeInbound(data)
		if err != nil {
			if errors.Is(err, models.ErrUnknownEventType) {
				h.logger.Info("ignoring unknown event", "device", deviceID, "err", err)
				continue
			}
			h.dispatcher.Reject(deviceID, "", err)
			continue
		}
		if !limiter.Allow() {
			h.dispatcher.Reject(deviceID, string(ev.Type()), models.ErrRateLimited)
			continue
		}
		if err := h.dispatcher.Handle(ctx, deviceID, ev); err != nil {
			h.logger.Debug("event rejected", "device", deviceID, "type", ev.Type(), "err", err)
		}
	}
}
