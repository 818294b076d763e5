package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/rdsentinel/internal/config"
)

// handleHealth returns server health status for container orchestration
// per §6's GET /health. Must return quickly, so the DB ping is bounded.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	if err := s.db.PingContext(ctx); err != nil {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   config.Version,
	})
}
