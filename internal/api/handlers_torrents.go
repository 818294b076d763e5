package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/rdsentinel/internal/logger"
)

// listTorrents backs GET /torrents — an optional status filter plus
// limit/offset pagination, capped at 1000 per §6.
func (s *RESTServer) listTorrents(c *gin.Context) {
	status := c.Query("status")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	torrents, err := s.store.ListTorrents(status, limit, offset)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": torrents})
}

// triggerTorrentScan backs POST /torrents/scan — {mode: quick|full|symlinks}.
func (s *RESTServer) triggerTorrentScan(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch req.Mode {
	case "quick":
		result, err := s.scheduler.RunQuickScan(ctx)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, "quick scan failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	case "full":
		result, err := s.scheduler.RunFullScan(ctx)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, "full scan failed", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	case "symlinks":
		matched, reinjected := s.tester.TriggerScan(ctx)
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"matched": matched, "reinjected": reinjected}})
	default:
		respondBadRequest(c, fmt.Errorf("mode must be one of: quick, full, symlinks"), true)
	}
}

// triggerReinject backs POST /torrents/reinject — {torrent_ids: [string]},
// returning a per-id outcome list.
func (s *RESTServer) triggerReinject(c *gin.Context) {
	var req struct {
		TorrentIDs []string `json:"torrent_ids"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	if len(req.TorrentIDs) == 0 {
		respondBadRequest(c, fmt.Errorf("torrent_ids must not be empty"), true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	type outcome struct {
		TorrentID string `json:"torrent_id"`
		Success   bool   `json:"success"`
		Message   string `json:"message"`
	}
	outcomes := make([]outcome, 0, len(req.TorrentIDs))

	for _, id := range req.TorrentIDs {
		t, err := s.store.GetTorrent(id)
		if err != nil {
			logger.Errorf("api: lookup failed for %s during manual reinject: %v", id, err)
			outcomes = append(outcomes, outcome{TorrentID: id, Success: false, Message: "lookup failed"})
			continue
		}
		if t == nil {
			outcomes = append(outcomes, outcome{TorrentID: id, Success: false, Message: "not found"})
			continue
		}
		ok, msg := s.reinjectWorker.Reinject(ctx, t)
		outcomes = append(outcomes, outcome{TorrentID: id, Success: ok, Message: msg})
	}

	c.JSON(http.StatusOK, gin.H{"data": outcomes})
}

// deleteTorrent backs DELETE /torrents/{id} — removes the catalog row
// only; the core never deletes a torrent itself, this is operator action.
func (s *RESTServer) deleteTorrent(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteTorrent(id); err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
