// Package api provides the control-plane HTTP/WS stack: the gin
// router, its middleware chain, and the handlers behind §6's endpoint
// table — torrent listing, on-demand scan/reinject triggers, the
// broken-symlink view, aggregate stats, and the live event/log
// websocket.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/metrics"
	"github.com/mescon/rdsentinel/internal/notifier"
	"github.com/mescon/rdsentinel/internal/pipeline"
	"github.com/mescon/rdsentinel/internal/rategate"
	"github.com/mescon/rdsentinel/internal/reinject"
	"github.com/mescon/rdsentinel/internal/scheduler"
	"github.com/mescon/rdsentinel/internal/store"
)

// RESTServer is the control-plane HTTP/WS stack: a gin router plus the
// WebSocket hub, wired to the already-constructed core components.
type RESTServer struct {
	router         *gin.Engine
	httpServer     *http.Server
	db             *sql.DB
	store          *store.Store
	eventBus       *eventbus.EventBus
	scheduler      *scheduler.Scheduler
	tester         *pipeline.ContinuousTester
	reinjectWorker *reinject.Worker
	gate           *rategate.Gate
	notifier       *notifier.Notifier
	metrics        *metrics.MetricsService
	hub            *WebSocketHub
	apiKey         string
	startTime      time.Time
}

// ServerDeps contains all dependencies required for the REST server.
type ServerDeps struct {
	DB             *sql.DB
	Store          *store.Store
	EventBus       *eventbus.EventBus
	Scheduler      *scheduler.Scheduler
	Tester         *pipeline.ContinuousTester
	ReinjectWorker *reinject.Worker
	Gate           *rategate.Gate
	Notifier       *notifier.Notifier
	Metrics        *metrics.MetricsService
	APIKey         string
}

// NewRESTServer builds the gin router with the full middleware chain
// (request-ID, panic recovery, CORS, rate limiting) and registers
// §6's route table.
func NewRESTServer(deps ServerDeps) *RESTServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing.
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	// Custom recovery middleware with enhanced logging.
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal server error",
			"request_id": reqID,
		})
	}))

	r.Use(corsMiddleware())
	r.Use(APILimiter.Middleware())

	s := &RESTServer{
		router:         r,
		db:             deps.DB,
		store:          deps.Store,
		eventBus:       deps.EventBus,
		scheduler:      deps.Scheduler,
		tester:         deps.Tester,
		reinjectWorker: deps.ReinjectWorker,
		gate:           deps.Gate,
		notifier:       deps.Notifier,
		metrics:        deps.Metrics,
		hub:            NewWebSocketHub(deps.EventBus),
		apiKey:         deps.APIKey,
		startTime:      time.Now(),
	}

	s.setupRoutes()
	return s
}

// corsMiddleware mirrors the teacher's same-origin-by-default CORS
// policy, configurable via RDSENTINEL_CORS_ORIGIN.
func corsMiddleware() gin.HandlerFunc {
	corsOrigins := os.Getenv("RDSENTINEL_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func (s *RESTServer) setupRoutes() {
	// Prometheus scrape endpoint — unauthenticated per convention, but
	// behind the same network boundary as everything else (§6).
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.router.Group("/api")
	{
		// Health check is the one route that never requires a key — an
		// orchestrator probing liveness shouldn't need credentials.
		api.GET("/health", s.handleHealth)

		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			protected.GET("/torrents", s.listTorrents)
			protected.POST("/torrents/scan", s.triggerTorrentScan)
			protected.POST("/torrents/reinject", s.triggerReinject)
			protected.DELETE("/torrents/:id", s.deleteTorrent)

			protected.GET("/symlinks/broken", s.listBrokenSymlinks)
			protected.POST("/symlinks/scan", s.triggerSymlinkScan)

			protected.GET("/stats", s.getStats)

			protected.GET("/ws", func(c *gin.Context) {
				s.hub.HandleConnection(c)
			})
		}
	}
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. In §5's sequential
// shutdown order the composition root calls it second, right after
// stopping the scheduler.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware gates every route but /health and /metrics behind a
// constant-time comparison against the configured API key — no setup
// wizard or stored/encrypted key here, since RDSentinel has exactly
// one operator-supplied credential (RDSENTINEL_API_KEY).
func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = c.GetHeader("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token == "" {
			token = c.Query("token")
		}

		if s.apiKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "API key not configured"})
			c.Abort()
			return
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no authentication token provided"})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authentication token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
