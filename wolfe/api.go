package wolfe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathStatus      = "/status"
	apiPathHealthCheck = "/health"
	xRequestIDHeader   = "X-Request-ID"
)

// API is the read-only status/diagnostics HTTP server. It exposes
// nothing that mutates bot state.
type API struct {
	config     *APIConfig
	w          *Wolfe
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger

	requestMetricsMu sync.Mutex
	requestMetrics   map[string]int
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Version          string  `json:"version"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	DiscordConnected bool    `json:"discord_connected"`
	BackendReachable bool    `json:"backend_reachable"`
	BackendLatencyMS float64 `json:"backend_latency_ms,omitempty"`
	BackendError     string  `json:"backend_error,omitempty"`
	HeartbeatCycles  int64   `json:"heartbeat_cycles"`
	HeartbeatFired   int64   `json:"heartbeat_fired"`
}

func newAPI(w *Wolfe, config *APIConfig) *API {
	r := gin.New()

	api := &API{
		config:         config,
		w:              w,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         newTintLogger(config.LogLevel, "api"),
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{http.MethodGet}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiPathHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.getStatus)

	return api
}

// Serve listens and blocks until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "addr", a.config.Listen)
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getStatus reports process uptime, gateway connection state, and
// backend reachability. The backend probe runs inline with a short
// deadline so a dead backend can't hang the endpoint.
func (a *API) getStatus(c *gin.Context) {
	status := StatusResponse{
		Version:       Version,
		UptimeSeconds: time.Since(a.w.startedAt).Seconds(),
	}
	if a.w.discord != nil {
		status.DiscordConnected = a.w.discord.Connected()
	}
	if a.w.heartbeat != nil {
		status.HeartbeatCycles, status.HeartbeatFired, _ = a.w.heartbeat.Stats()
	}

	if a.w.backend != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		latency, err := a.w.backend.Ping(ctx)
		if err != nil {
			status.BackendError = err.Error()
			a.logger.Warn("backend status probe failed", tint.Err(err))
		} else {
			status.BackendReachable = true
			status.BackendLatencyMS = float64(latency.Microseconds()) / 1000
		}
	}

	c.JSON(http.StatusOK, status)
}

func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests: method, path, status, and duration.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestID, _ := c.Get(xRequestIDHeader)
		logger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Any(xRequestIDHeader, requestID),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

// metricMiddleware tracks request counts per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
