package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/RichardoC/listing-designer/internal/api"
	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/config"
	"github.com/RichardoC/listing-designer/internal/db"
	"github.com/RichardoC/listing-designer/internal/dialogue"
	"github.com/RichardoC/listing-designer/internal/dispatch"
	"github.com/RichardoC/listing-designer/internal/llm"
	"github.com/RichardoC/listing-designer/internal/render"
	"github.com/RichardoC/listing-designer/internal/reply"
	"github.com/RichardoC/listing-designer/internal/telemetry"
)

var version = "dev"

const (
	historyLimit    = 20
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, _ := zap.NewProduction()
	if cfg.DebugMode {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	database, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("driver", cfg.DBDriver))
	}
	defer database.Close()

	cat, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("failed to load template catalog",
			zap.Error(err),
			zap.String("path", cfg.CatalogPath))
	}

	extractor, err := llm.Open(cfg.LLM, cat)
	if err != nil {
		logger.Fatal("failed to initialize extractor", zap.Error(err))
	}

	renderer := render.NewLimited(
		render.NewBannerbear(cfg.Render.BannerbearURL, cfg.Render.BannerbearKey),
		cfg.Render.RatePerSecond,
		cfg.Render.Burst,
	)
	var opts []dispatch.Option
	if cfg.Render.FreeImageKey != "" {
		opts = append(opts, dispatch.WithHost(render.NewFreeImage(render.DefaultFreeImageURL, cfg.Render.FreeImageKey)))
	}
	if cfg.Listing.Endpoint != "" {
		opts = append(opts, dispatch.WithListings(render.NewRealtyListings(cfg.Listing.Endpoint, cfg.Listing.TenantCode, cfg.Listing.RegionID)))
	}

	dispatcher := dispatch.New(database, cat, renderer, logger, dispatch.Config{
		Workers:        cfg.Workers,
		QueuePoll:      cfg.QueuePollInterval,
		MaxAttempts:    cfg.Render.MaxAttempts,
		InitialBackoff: cfg.Render.InitialBackoff,
		RenderPoll:     cfg.Render.PollInterval,
		RenderTimeout:  cfg.Render.Timeout,
		Lease:          cfg.JobLease,
	}, opts...)

	engine := dialogue.New(
		database,
		cat,
		extractor,
		dispatcher,
		reply.New(database, cfg.ReplyGracePeriod),
		dialogue.Config{ConfidenceThreshold: cfg.LLM.ConfidenceThreshold, HistoryLimit: historyLimit},
		logger,
	)

	mux := http.NewServeMux()
	api.NewHandler(engine, database, logger, cfg.MaxInputChars).Routes(mux)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher stopped", zap.Error(err))
			stop()
		}
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting server",
		zap.String("addr", cfg.Addr),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Int("templates", len(cat.Templates())))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	logger.Info("server stopped")
}
