package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/rdsentinel/internal/symlink"
)

// listBrokenSymlinks backs GET /symlinks/broken — the persisted history
// of inspected symlinks, newest first, optionally filtered to
// unprocessed entries.
func (s *RESTServer) listBrokenSymlinks(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	entries, err := s.store.ListBrokenSymlinks(limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	// processed distinguishes a still-broken symlink (status "broken",
	// a candidate the correlator may yet match and resubmit) from one
	// the walker already classified into a terminal, handled state
	// (inaccessible, small_file, io_error).
	if processedParam := c.Query("processed"); processedParam != "" {
		want := processedParam == "true"
		filtered := entries[:0]
		for _, e := range entries {
			processed := e.Status != symlink.StatusBroken
			if processed == want {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

// triggerSymlinkScan backs POST /symlinks/scan — one on-demand walk of
// the media root plus synchronous reinjection of every match.
func (s *RESTServer) triggerSymlinkScan(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	matched, reinjected := s.tester.TriggerScan(ctx)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"matched": matched, "reinjected": reinjected}})
}
