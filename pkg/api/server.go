package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/nejdetkadir/relay/internal/docker"
	"github.com/nejdetkadir/relay/internal/health"
	"github.com/nejdetkadir/relay/internal/meta"
	"github.com/nejdetkadir/relay/internal/updater"
)

// Server is the Gin-based REST API
type Server struct {
	config  *config.Config
	client  docker.Client
	updater *updater.Updater
	watcher *health.Watcher
	engine  *gin.Engine

	// TriggerCycle runs one update cycle; wired by the caller so cycles
	// stay serialized with the scheduler's.
	TriggerCycle func()
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, client docker.Client, upd *updater.Updater, watcher *health.Watcher) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	// Custom logger that integrates with logrus
	engine.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("[GIN] %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})

	s := &Server{
		config:  cfg,
		client:  client,
		updater: upd,
		watcher: watcher,
		engine:  engine,
	}

	s.setupRoutes()
	return s
}

// Start starts the API server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.APIPort)
	log.Infof("Starting API server on http://0.0.0.0%s", addr)
	return s.engine.Run(addr)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health endpoint (no auth)
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1")
	if s.config.APIToken != "" {
		v1.Use(s.authMiddleware())
	}
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/info", s.handleInfo)
		v1.GET("/containers", s.handleContainers)
		v1.POST("/check", s.handleTriggerCheck)
	}

	s.engine.GET("/metrics", s.handleMetrics)
}

// authMiddleware checks for a valid API token
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "Bearer "+s.config.APIToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	err := s.client.Ping()

	status := "ok"
	engineStatus := "connected"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		engineStatus = "unreachable"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status": status,
		"engine": engineStatus,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":         "Relay",
		"version":      meta.Version,
		"commit":       meta.Commit,
		"built":        meta.BuildDate,
		"interval":     s.config.CheckInterval.String(),
		"enable_label": s.config.EnableLabel,
		"rolling":      s.config.RollingUpdate,
		"cleanup":      s.config.CleanupImages,
	})
}

// handleContainers returns all monitored containers
func (s *Server) handleContainers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.EngineTimeout)
	defer cancel()

	containers, err := s.client.ListMonitored(ctx, s.config.EnableLabel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type containerView struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Image    string `json:"image"`
		Digest   string `json:"digest"`
		Strategy string `json:"strategy"`
	}

	views := make([]containerView, 0, len(containers))
	for _, ctr := range containers {
		views = append(views, containerView{
			ID:       ctr.ID,
			Name:     ctr.Name,
			Image:    ctr.ImageReference,
			Digest:   ctr.ImageDigest,
			Strategy: ctr.Strategy().String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"containers": views,
		"count":      len(views),
	})
}

// handleTriggerCheck triggers an update cycle
func (s *Server) handleTriggerCheck(c *gin.Context) {
	if s.TriggerCycle == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "updater not available"})
		return
	}

	go s.TriggerCycle()
	c.JSON(http.StatusAccepted, gin.H{"message": "update cycle triggered"})
}

// handleMetrics returns Prometheus-style plain text metrics
func (s *Server) handleMetrics(c *gin.Context) {
	var updaterStats, watcherStats map[string]interface{}
	if s.updater != nil {
		updaterStats = s.updater.GetStats()
	}
	if s.watcher != nil {
		watcherStats = s.watcher.GetStats()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.EngineTimeout)
	defer cancel()
	containers, _ := s.client.ListMonitored(ctx, s.config.EnableLabel)

	metrics := fmt.Sprintf(`# HELP relay_containers_monitored Number of monitored containers
# TYPE relay_containers_monitored gauge
relay_containers_monitored %d

# HELP relay_updates_total Total number of successful updates
# TYPE relay_updates_total counter
relay_updates_total %d

# HELP relay_update_failures_total Total number of failed updates
# TYPE relay_update_failures_total counter
relay_update_failures_total %d
`,
		len(containers),
		getInt64(updaterStats, "total_updated"),
		getInt64(updaterStats, "total_failed"),
	)

	_ = watcherStats // Available for future metrics

	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(metrics))
}

func getInt64(m map[string]interface{}, key string) int64 {
	if m == nil {
		return 0
	}
	if v, ok := m[key].(int64); ok {
		return v
	}
	return 0
}
