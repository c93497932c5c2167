package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"faceattend/internal/app"
	"faceattend/internal/config"
	"faceattend/internal/facecache"
	"faceattend/internal/handler"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/logging"
	"faceattend/internal/presence"
	"faceattend/internal/queue"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Backend.Health(ctx); err != nil {
		logger.Warn("face backend not available, recognition will fail until it is", zap.String("backend", cfg.FaceBackend), zap.Error(err))
	}

	// Other instances announce sample changes over Redis.
	if a.Bus.Enabled() {
		go func() {
			if err := a.Bus.Listen(ctx, a.Cache.Invalidate); err != nil {
				logger.Warn("cache invalidation listener stopped", zap.Error(err))
			}
		}()
	}

	// Without Redis nobody else drains the in-process queue.
	if mem, ok := a.Events.(*queue.InMemory); ok {
		go func() {
			if err := presence.Consume(ctx, mem, a.Presence, logger); err != nil {
				logger.Warn("presence consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.CachePrewarm {
		w, err := facecache.NewWarmer(a.Cache, 0, logger)
		if err != nil {
			return err
		}
		w.Start()
		defer w.Stop()
	}

	checks := map[string]handler.Check{"db": a.DB.Healthy}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy
	}

	h := handler.New(handler.Deps{
		Pipeline:       a.Pipeline,
		Users:          a.Users,
		Samples:        a.Samples,
		Attendance:     a.Attendance,
		Presence:       a.Presence,
		Devices:        a.Devices,
		Issuer:         a.Issuer,
		Checks:         checks,
		Log:            logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Location:       a.Ledger.Location(),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(logger, "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())

	var limit gin.HandlerFunc
	if cfg.RateLimitPerMin > 0 {
		limit = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware()
	}
	h.Routes(r, limit)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RecognitionTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", httpmiddleware.RequestIDHeader},
		ExposeHeaders: []string{httpmiddleware.RequestIDHeader},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
