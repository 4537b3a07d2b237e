// Command server runs the chat backend: HTTP API, outbox worker, and the
// notification dispatcher, wired from environment configuration.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/havenpath/chat-backend/internal/config"
	"github.com/havenpath/chat-backend/internal/crm"
	httpapi "github.com/havenpath/chat-backend/internal/http"
	"github.com/havenpath/chat-backend/internal/llm"
	"github.com/havenpath/chat-backend/internal/notify"
	"github.com/havenpath/chat-backend/internal/observability"
	"github.com/havenpath/chat-backend/internal/outbox"
	"github.com/havenpath/chat-backend/internal/repo"
	"github.com/havenpath/chat-backend/internal/secrets"
	"github.com/havenpath/chat-backend/internal/services"
	"github.com/havenpath/chat-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing first so every later component inherits the global provider.
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		log.Warn().Err(err).Msg("gorm tracing plugin")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	// Token encryption. Without a configured secret, CRM tokens are sealed
	// under a process-random key and will not survive a restart.
	codecSecret := cfg.Crypto.Secret
	if codecSecret == "" {
		codecSecret = uuid.NewString()
		log.Warn().Msg("CRYPTO_SECRET unset; CRM tokens will not survive restart")
	}
	codec, err := secrets.NewCodec(codecSecret, cfg.Crypto.Salt)
	if err != nil {
		log.Fatal().Err(err).Msg("token codec setup failed")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		RedirectURL:  cfg.CRM.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.CRM.AuthURL,
			TokenURL: cfg.CRM.TokenURL,
		},
	}
	crmIntegration := &crm.Integration{
		Connector: crm.NewConnector(db, codec, oauthCfg),
		Client:    crm.NewClient(db, codec, oauthCfg, cfg.CRM.APIVersion, cfg.CRM.Timeout),
	}

	extractor := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)

	dispatcher := notify.NewDispatcher(
		db,
		notify.NewEmailChannel(cfg.Email.APIURL, cfg.Email.APIKey, cfg.Email.From),
		notify.NewChatOpsChannel(),
		notify.InAppChannel{},
	)

	extraction := &services.ExtractionService{
		DB:        db,
		Extractor: extractor,
		Triggers:  &services.TriggerService{},
		Timeout:   cfg.LLM.Timeout,
	}
	export := &services.ExportService{DB: db, CRM: crmIntegration, Failures: dispatcher}

	worker := outbox.NewWorker(db, cfg.Outbox.Interval, cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts)
	services.RegisterOutboxHandlers(worker, db, extraction, export, dispatcher)
	go worker.Run(ctx)

	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:         db,
		Extractor:  extractor,
		CRM:        crmIntegration,
		Dispatcher: dispatcher,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// setupLogging configures the process-global zerolog logger.
func setupLogging(cfg config.Config) {
	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
