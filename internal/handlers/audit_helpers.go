package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-relay/internal/middleware"
	"chat-relay/internal/observability"
)

func requestIDFromContext(c *gin.Context) string {
	if id := middleware.RequestIDFrom(c); id != "" {
		return id
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func deviceIDFromContext(c *gin.Context) string {
	if id := middleware.DeviceIDFrom(c); id != "" {
		return id
	}
	return observability.DeviceIDFromRequest(c.Request)
}
