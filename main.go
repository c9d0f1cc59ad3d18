package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/governor"
	"github.com/quantforge/training-backend/handlers"
	"github.com/quantforge/training-backend/metrics"
	"github.com/quantforge/training-backend/middleware"
	"github.com/quantforge/training-backend/optimizer"
	"github.com/quantforge/training-backend/queue"
	"github.com/quantforge/training-backend/registry"
	"github.com/quantforge/training-backend/repository"
	"github.com/quantforge/training-backend/storage"
	"github.com/quantforge/training-backend/stream"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		panic(err)
	}
	defer cfg.Close()
	logger := cfg.Logger

	jobs := repository.NewJobRepository(cfg.DB)
	logs := repository.NewLogRepository(cfg.DB)
	configs := repository.NewConfigurationRepository(cfg.DB)

	policy, err := loadPolicy(cfg, logger)
	if err != nil {
		logger.Fatal("failed to load risk policy", zap.Error(err))
	}

	gov := governor.New(logger, configs, policy)
	reg := registry.New(logger, cfg.DB, gov)
	gov.BindRegistry(reg)

	hub := stream.NewHub(logger, stream.DefaultSubscriberBuffer)

	var artifacts queue.ArtifactUploader
	var reports handlers.ReportFetcher
	if cfg.ArtifactEndpoint != "" {
		store, err := storage.NewArtifactStore(context.Background(), storage.ArtifactConfig{
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			Bucket:    cfg.ArtifactBucket,
			UseSSL:    cfg.ArtifactUseSSL,
		}, logger)
		if err != nil {
			logger.Fatal("failed to initialize artifact store", zap.Error(err))
		}
		artifacts = store
		reports = store
	}

	q := queue.New(logger, jobs, logs, configs, hub, optimizer.NewSearchEngine(), gov, queue.Options{
		Artifacts:  artifacts,
		StallGrace: cfg.StallGrace,
	})
	if err := q.Start(cfg.HeartbeatGrace); err != nil {
		logger.Fatal("failed to start training worker", zap.Error(err))
	}

	if err := gov.StartSweep(cfg.SweepSchedule); err != nil {
		logger.Fatal("failed to start lifecycle sweep", zap.Error(err))
	}

	retentionDone := startLogRetention(logs, cfg.LogRetention, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(metrics.Middleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"running_job": q.RunningJobID(),
		})
	})
	router.GET("/metrics", metrics.Handler())

	h := handlers.NewHandler(logger, q, jobs, logs, configs, reg, hub, reports)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	close(retentionDone)
	gov.Stop()
	q.Stop()
	hub.Shutdown()
	logger.Info("shutdown complete")
}

// loadPolicy reads the YAML risk profile, falling back to the built-in
// moderate profile when no file is present.
func loadPolicy(cfg *config.Config, logger *zap.Logger) (*governor.Policy, error) {
	if _, err := os.Stat(cfg.PolicyPath); os.IsNotExist(err) {
		logger.Warn("policy file not found, using built-in moderate profile",
			zap.String("path", cfg.PolicyPath))
		return governor.DefaultPolicy(), nil
	}
	policy, err := governor.LoadPolicy(cfg.PolicyPath, cfg.PolicyProfile)
	if err != nil {
		return nil, err
	}
	logger.Info("risk policy loaded",
		zap.String("path", cfg.PolicyPath),
		zap.String("profile", policy.ProfileName),
	)
	return policy, nil
}

// startLogRetention purges old training logs daily. Old log rows are
// garbage, not authoritative state.
func startLogRetention(logs *repository.LogRepository, retention time.Duration, logger *zap.Logger) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				purged, err := logs.PurgeOlderThan(retention)
				if err != nil {
					logger.Error("log retention purge failed", zap.Error(err))
					continue
				}
				if purged > 0 {
					logger.Info("purged old training logs", zap.Int64("rows", purged))
				}
			}
		}
	}()
	return done
}
