package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/troeger/opensubmit-sub000/internal/appconfig"
	"github.com/troeger/opensubmit-sub000/internal/dispatch"
	"github.com/troeger/opensubmit-sub000/internal/repository"
	"github.com/troeger/opensubmit-sub000/pkg/observability"
)

func main() {
	cfg, cfgPath, err := appconfig.Load()
	if err != nil {
		observability.Fatal("Failed to load config", "path", cfgPath, "error", err)
	}
	if cfgPath != "" {
		slog.Info("Loaded config", "path", cfgPath)
	}
	if cfg.Dispatch.Secret == "" {
		observability.Fatal("No executor secret configured, refusing to start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewPostgresStore(ctx, cfg.Postgres)
	if err != nil {
		observability.Fatal("Failed to connect to PostgreSQL", "error", err)
	}
	defer store.Close()
	slog.Info("Connected to PostgreSQL")

	notifier := repository.NewRedisNotifier(cfg.Redis)
	if err := notifier.Ping(ctx); err != nil {
		observability.Fatal("Failed to connect to Redis", "error", err)
	}
	defer notifier.Close()
	slog.Info("Connected to Redis")

	archive, err := repository.NewArchiveStore(cfg.MinIO)
	if err != nil {
		observability.Fatal("Failed to connect to MinIO", "error", err)
	}
	slog.Info("Connected to MinIO", "bucket", cfg.MinIO.Bucket)

	dispatch.InitMetrics()
	svc := dispatch.NewService(store, notifier, cfg.Dispatch.QueuePolicy, slog.Default())
	handler := dispatch.NewHandler(svc, archive, cfg.Dispatch.Secret, cfg.Server.PublicURL, slog.Default())

	if cfg.Server.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(dispatch.RequestIDMiddleware())
	r.Use(dispatch.MetricsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.Observability.MetricsAddr != "" {
		// Separate listener for scrapes that must not share the public port.
		observability.StartMetricsServer(cfg.Observability.MetricsAddr)
	}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Job dispatch server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server exited")
}
