package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rollcall/internal/app"
	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/handler"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logging"
	"rollcall/internal/workers"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if logging.IsProduction(cfg.Env) {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// jobs that never leave this process are consumed here
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if deps.LocalJobs {
		go func() {
			if err := workers.NewRecount(deps.Jobs, deps.Backend, logger).Run(workerCtx); err != nil {
				logger.Error("recount worker failed", zap.Error(err))
			}
		}()
	}

	desks := attendance.NewDesks(deps.Backend, deps.TrackerOptions(cfg, logger), app.ScanOptions(cfg))
	reaper := workers.NewDeskReaper(desks, logger, time.Minute, cfg.DeskIdleTimeout)
	reaper.Start()

	limiter := httpmiddleware.NewLimiter(cfg.RateLimitPerMin, 0, auth.Account)
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				limiter.Sweep(time.Hour)
			}
		}
	}()

	h := handler.New(attendance.NewService(deps.Backend), desks, logger)
	h.Checks = deps.Checks()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLog(logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)
	h.Register(r.Group("/v1", auth.OperatorAuth(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware()))

	// WriteTimeout stays unset: live streams hold their response open.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-errCh:
		reaper.Stop()
		desks.CloseAll()
		return err
	}

	// closing desks first ends their live streams so Shutdown is not held up
	reaper.Stop()
	desks.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}
