// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/config"
	"github.com/havenpath/chat-backend/internal/crm"
	"github.com/havenpath/chat-backend/internal/http/handlers"
	"github.com/havenpath/chat-backend/internal/http/middleware"
	"github.com/havenpath/chat-backend/internal/llm"
	"github.com/havenpath/chat-backend/internal/notify"
	"github.com/havenpath/chat-backend/internal/repo"
	"github.com/havenpath/chat-backend/internal/services"
)

// Deps carries the externally constructed dependencies the router needs.
// Services are assembled here so main stays a thin wiring shell.
type Deps struct {
	DB         *gorm.DB
	Extractor  llm.Extractor
	CRM        *crm.Integration
	Dispatcher *notify.Dispatcher
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per agent/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	db := deps.DB

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction. Lead profiles carry names,
	// phone numbers, and insurance details, so scrubbing is not optional.
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, conversationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetMessageReceipt(ctx, db, conversationID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per agent/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAgentOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture. The widget embeds on arbitrary tenant sites, so the
	// default is permissive; deployments pin origins via CORS_ALLOWED_ORIGINS.
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Agent-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Agent-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/integrations
	triggers := &services.TriggerService{}
	convSvc := &services.MessageService{
		DB:              db,
		Triggers:        triggers,
		ExtractEvery:    cfg.LLM.ExtractEvery,
		MaxMessageRunes: cfg.MaxMessageRunes,
		ReceiptTTL:      cfg.IdempotencyTTL,
	}
	extractionSvc := &services.ExtractionService{
		DB:        db,
		Extractor: deps.Extractor,
		Triggers:  triggers,
		Timeout:   cfg.LLM.Timeout,
	}
	exportSvc := &services.ExportService{
		DB:       db,
		CRM:      deps.CRM,
		Failures: deps.Dispatcher,
	}
	propSvc := &services.PropertyService{DB: db}
	h := handlers.New(convSvc, extractionSvc, deps.CRM, exportSvc, propSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Widget (visitor-facing)
		api.POST("/widget/conversations", h.StartConversation)
		api.POST("/widget/conversations/:id/messages", h.PostVisitorMessage)
		api.GET("/widget/conversations/:id/messages", h.PollMessages)

		// Agent dashboard
		api.GET("/conversations", h.Inbox)
		api.GET("/conversations/:id", h.GetConversation)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/messages", h.PostAgentMessage)
		api.POST("/conversations/:id/ai-reply", h.PostAIReply)
		api.PUT("/conversations/:id/ai", h.SetAI)
		api.POST("/conversations/:id/queue/release", h.ReleaseQueuedReply)
		api.PUT("/conversations/:id/queue/pause", h.PauseQueuedReply)
		api.DELETE("/conversations/:id/queue", h.CancelQueuedReply)
		api.POST("/conversations/:id/close", h.CloseConversation)
		api.POST("/conversations/:id/read", h.MarkRead)
		api.POST("/conversations/:id/rescan", h.RescanConversation)

		// CRM export
		api.POST("/conversations/:id/export", h.ExportConversation)
		api.GET("/conversations/:id/exports", h.ExportRecords)
		api.POST("/crm/batch-export", h.BatchExport)
		api.GET("/crm/callback", h.CRMCallback)

		// Property settings + audit
		api.GET("/properties/:id", h.GetProperty)
		api.PUT("/properties/:id/settings", h.UpdateSettings)
		api.GET("/properties/:id/notifications", h.NotificationLog)
		api.POST("/properties/:id/crm/connect", h.ConnectCRM)
		api.GET("/properties/:id/crm/status", h.CRMStatus)
		api.DELETE("/properties/:id/crm", h.DisconnectCRM)

		// Visitor lead profile
		api.PUT("/visitors/:id/profile", h.UpdateVisitorProfile)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
