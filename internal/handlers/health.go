package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports liveness along with the number of open device connections
// and the active event bus.
func Health(connections func() int, eventMode func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": connections(),
			"events":      eventMode(),
		})
	}
}
