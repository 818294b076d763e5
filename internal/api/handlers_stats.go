package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getStats backs GET /stats — torrent counts by status, a trailing-24h
// re-submission view, and the rate gate's current utilization.
func (s *RESTServer) getStats(c *gin.Context) {
	catalog, err := s.store.Stats()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	usage := s.gate.Usage()

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"torrents_by_status": catalog.TorrentsByStatus,
			"attempts_last_24h":  catalog.AttemptsLast24h,
			"successes_last_24h": catalog.SuccessesLast24h,
			"success_rate":       catalog.SuccessRate,
			"rategate": gin.H{
				"total":       usage.Total,
				"by_tag":      usage.ByTag,
				"utilization": usage.Utilization,
			},
		},
	})
}
