package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/models"
	"chat-relay/internal/store"
	"chat-relay/internal/telemetry"
)

// RoomService is the part of the broadcast engine the REST surface uses.
type RoomService interface {
	EnsureRoom(ctx context.Context, roomID string, kind models.RoomKind, defaults store.RoomDefaults) (models.Room, bool, error)
	UpdateMembership(ctx context.Context, roomID string, participants []string) (models.Room, error)
	RoomView(ctx context.Context, roomID, deviceID string) (models.RoomView, error)
	Messages(ctx context.Context, roomID string) ([]models.Message, error)
	Presence(deviceIDs []string) []models.Presence
	Online(deviceIDs []string) []string
}

// RoomHandler exposes room setup and read endpoints.
type RoomHandler struct {
	rooms RoomService
	audit *telemetry.AuditEmitter
}

// NewRoomHandler builds a RoomHandler. audit may be nil.
func NewRoomHandler(rooms RoomService, audit *telemetry.AuditEmitter) *RoomHandler {
	return &RoomHandler{rooms: rooms, audit: audit}
}

// Register mounts the room routes.
func (h *RoomHandler) Register(router gin.IRoutes) {
	router.POST("/rooms", h.CreateRoom)
	router.GET("/rooms/:room_id", h.GetRoom)
	router.PUT("/rooms/:room_id/participants", h.UpdateParticipants)
	router.GET("/rooms/:room_id/messages", h.ListMessages)
	router.GET("/presence", h.GetPresence)
}

// CreateRoom handles POST /rooms. An existing room is returned unchanged.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		ID           string   `json:"id" binding:"required"`
		Kind         string   `json:"type"`
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
		Description  string   `json:"description"`
		Admins       []string `json:"admins"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	kind, err := models.ParseRoomKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creator := deviceIDFromContext(c)
	defaults := store.RoomDefaults{Name: req.Name, Participants: req.Participants}
	if creator != "" {
		defaults.Participants = append([]string{creator}, req.Participants...)
	}
	if kind == models.RoomGroup {
		admins := req.Admins
		if len(admins) == 0 && creator != "" {
			admins = []string{creator}
		}
		defaults.GroupInfo = &models.GroupInfo{Description: req.Description, CreatedBy: creator, Admins: admins}
	}

	room, created, err := h.rooms.EnsureRoom(c.Request.Context(), req.ID, kind, defaults)
	if err != nil {
		writeError(c, err, "could not create room")
		return
	}
	if !created {
		c.JSON(http.StatusOK, room)
		return
	}
	h.emitAudit(c, "INFO", "room created", room.ID)
	c.JSON(http.StatusCreated, room)
}

// GetRoom handles GET /rooms/:room_id.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	view, err := h.rooms.RoomView(c.Request.Context(), c.Param("room_id"), deviceIDFromContext(c))
	if err != nil {
		writeError(c, err, "failed to load room")
		return
	}
	c.JSON(http.StatusOK, view)
}

// UpdateParticipants handles PUT /rooms/:room_id/participants.
func (h *RoomHandler) UpdateParticipants(c *gin.Context) {
	var req struct {
		Participants []string `json:"participants" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomID := c.Param("room_id")
	room, err := h.rooms.UpdateMembership(c.Request.Context(), roomID, req.Participants)
	if err != nil {
		writeError(c, err, "could not update participants")
		return
	}
	h.emitAudit(c, "INFO", "room membership updated", roomID)
	c.JSON(http.StatusOK, room)
}

// ListMessages handles GET /rooms/:room_id/messages.
func (h *RoomHandler) ListMessages(c *gin.Context) {
	msgs, err := h.rooms.Messages(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		writeError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetPresence handles GET /presence?deviceIds=a,b.
func (h *RoomHandler) GetPresence(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("deviceIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceIds is required"})
		return
	}
	online := h.rooms.Online(ids)
	if online == nil {
		online = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"presence": h.rooms.Presence(ids), "online": online})
}

func (h *RoomHandler) emitAudit(c *gin.Context, level, text, roomID string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), telemetry.AuditEntry{
		Level:     level,
		Text:      text,
		RequestID: requestIDFromContext(c),
		DeviceID:  deviceIDFromContext(c),
		RoomID:    roomID,
	})
}

func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, models.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
