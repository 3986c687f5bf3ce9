package dk61

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealth      = "/api/health"
	apiPathStats       = "/api/stats"
	apiPathMaintenance = "/api/maintenance"

	xRequestIDHeader = "X-Request-ID"
)

type httpError struct {
	Error string `json:"error"`
}

// API is the admin HTTP server: a health check, usage stats, and the
// maintenance toggle. Everything except the health check requires the
// configured bearer token.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	// argon2id hash of APIConfig.Secret, computed at startup so the
	// plaintext isn't kept around for comparisons
	hashedSecret string

	b *Bot
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		b:              b,
		logger:         setupLogger.With(loggerNameKey, "api"),
	}

	if config.Enabled {
		hashed, err := hashSecret(config.Secret)
		if err != nil {
			return nil, fmt.Errorf("error hashing api secret: %w", err)
		}
		api.hashedSecret = hashed
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealth, api.healthCheck)

	protected := r.Group("/")
	protected.Use(authMiddleware(api))
	protected.GET(apiPathStats, api.getStats)
	protected.PUT(apiPathMaintenance, api.updateMaintenance)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			a.config.ListenNetwork,
			a.config.Listen,
		)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// healthResponse is the GET /api/health body.
type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	DiscordConnected bool   `json:"discord_connected"`
	Maintenance      bool   `json:"maintenance"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthResponse{
			Status:           "ok",
			Version:          Version,
			DiscordConnected: a.b.discord.connected.Load(),
			Maintenance:      a.b.maintenance.Load(),
			UptimeSeconds:    int64(time.Since(a.b.startedAt).Seconds()),
		},
	)
}

// statsResponse is the GET /api/stats body.
type statsResponse struct {
	Totals          TotalStats     `json:"totals"`
	TopCommands     []CommandUsage `json:"top_commands"`
	LastInteraction *Stat          `json:"last_interaction,omitempty"`

	// Requests counts API requests per method and route since startup
	Requests map[string]int `json:"requests"`
}

// requestCounts returns a copy of the per-route request counters.
func (a *API) requestCounts() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	counts := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		counts[k] = v
	}
	return counts
}

func (a *API) getStats(c *gin.Context) {
	ctx := c.Request.Context()

	totals, err := a.b.stats.Totals(ctx)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading stats"},
		)
		return
	}
	topCommands, err := a.b.stats.TopCommands(ctx)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading stats"},
		)
		return
	}
	last, err := a.b.stats.LastInteraction(ctx)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading stats"},
		)
		return
	}
	c.JSON(
		http.StatusOK, statsResponse{
			Totals:          totals,
			TopCommands:     topCommands,
			LastInteraction: last,
			Requests:        a.requestCounts(),
		},
	)
}

// maintenanceUpdate is the PUT /api/maintenance payload.
type maintenanceUpdate struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (a *API) updateMaintenance(c *gin.Context) {
	var payload maintenanceUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}
	if err := a.b.SetMaintenance(c.Request.Context(), *payload.Enabled); err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error updating maintenance mode"},
		)
		return
	}
	c.JSON(
		http.StatusOK,
		gin.H{"maintenance": *payload.Enabled},
	)
}

// authMiddleware verifies the Authorization bearer token against the
// configured API secret.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		ok, err := verifySecret(a.hashedSecret, token)
		if err != nil {
			a.logger.Error("error verifying api secret", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusInternalServerError,
				httpError{Error: "internal error"},
			)
			return
		}
		if !ok {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
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

// ginContextLogger returns a logger carrying request details, creating
// and caching it in the gin context on first use.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := v.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"client_ip", c.ClientIP(),
			"request_id", requestID,
		),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}

func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetrics[key]++
	}
}
