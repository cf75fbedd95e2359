// Package diag serves the local diagnostics surface of the daemon: health,
// a status snapshot of presence/membership/transport, and Prometheus
// metrics. It binds to loopback; this is an inspection port, not an API.
package diag

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/manoslocales/fieldclient/internal/config"
	"github.com/manoslocales/fieldclient/internal/domain"
)

const requestIDHeader = "X-Request-ID"

// ConversationInfo is the /status view of the active conversation.
type ConversationInfo struct {
	RequestID   int64
	Messages    int
	LastID      int64
	OtherTyping bool
}

// Sources are the live snapshot providers the status endpoint reads. Any
// nil func renders as absent.
type Sources struct {
	Presence      func() domain.WorkerPresence
	ChatChannels  func() []int64
	Transport     func() []string // joined channel names, nil when degraded
	ActiveRequest func() int64
	Conversation  func() *ConversationInfo // nil when no conversation is active
	Version       string
}

// NewRouter builds the diagnostics engine with the middleware chain:
// tracing, request id, access log, metrics, recovery, gzip, CORS.
func NewRouter(cfg config.Config, src Sources, log zerolog.Logger) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	r := gin.New()

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(requestID())
	r.Use(accessLog(log.With().Str("component", "diag").Logger()))
	r.Use(httpMetrics())
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	if len(cfg.DiagOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.DiagOrigins,
			AllowMethods:  []string{"GET", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{requestIDHeader, "Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", statusHandler(src))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func statusHandler(src Sources) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"version": src.Version}

		if src.Presence != nil {
			p := src.Presence()
			pres := gin.H{
				"worker_id":  p.WorkerID,
				"status":     string(p.Status),
				"categories": p.Categories,
			}
			if p.Position != nil {
				pres["position"] = p.Position
			}
			body["presence"] = pres
		}
		if src.ChatChannels != nil {
			body["chat_channels"] = src.ChatChannels()
		}
		if src.Transport != nil {
			channels := src.Transport()
			body["transport"] = gin.H{
				"connected": channels != nil,
				"channels":  channels,
			}
		}
		if src.ActiveRequest != nil {
			body["active_request_id"] = src.ActiveRequest()
		}
		if src.Conversation != nil {
			if ci := src.Conversation(); ci != nil {
				body["conversation"] = gin.H{
					"request_id":   ci.RequestID,
					"messages":     ci.Messages,
					"last_id":      ci.LastID,
					"other_typing": ci.OtherTyping,
				}
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

// requestID attaches or propagates a correlation id per request.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("requestID", rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// accessLog emits one structured line per request, level chosen by status.
func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		rid, _ := c.Get("requestID")
		status := c.Writer.Status()
		ev := log.Info()
		if status >= 500 {
			ev = log.Error()
		} else if status >= 400 {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("request_id", asString(rid)).
			Msg("request")
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// NewServer wraps the router in an http.Server bound to the configured
// diagnostics address.
func NewServer(cfg config.Config, src Sources, log zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:           cfg.DiagAddr,
		Handler:        NewRouter(cfg, src, log),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
}

// Shutdown drains the server with a bounded grace period.
func Shutdown(srv *http.Server, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(ctx)
}
