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
	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/app"
	"github.com/eduface/attendance/internal/auth"
	"github.com/eduface/attendance/internal/cloudinary"
	"github.com/eduface/attendance/internal/config"
	"github.com/eduface/attendance/internal/httpapi"
	"github.com/eduface/attendance/internal/httpmiddleware"
	"github.com/eduface/attendance/internal/logging"
	"github.com/eduface/attendance/internal/observability"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logs, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logs.Closer()
	log := logs.Base.With(zap.String("service", "api"))
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		log.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
		flush()
		logs.Closer()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.StartInProcessWorker(ctx) {
		log.Info("in-memory queue, meeting events handled in this process")
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitPerMin > 0 {
		if cfg.RateLimitBackend == "redis" {
			limiter = httpmiddleware.NewRedisFixedWindow(a.SharedRedis().Client, cfg.RateLimitPerMin)
		} else {
			limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
		}
	}

	health := map[string]httpapi.HealthCheck{"db": a.Repo.Ping}
	if a.Redis != nil {
		health["redis"] = a.Redis.Ping
	}
	if !cfg.FaceSkip {
		health["face"] = a.Face.Health
	}

	var uploader httpapi.Uploader
	if cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder); cdn.Configured() {
		uploader = cdn
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		log.Info("cloudinary not configured, snapshot uploads disabled")
	}

	h := httpapi.NewHandler(httpapi.Handler{
		Roster:    a.Roster,
		Meetings:  a.Meetings,
		Gate:      a.Gate,
		Absentees: a.Reconciler,
		Notifier:  a.Dispatcher,
		Reporter:  a.Reporter,
		Uploader:  uploader,
		Tokens:    auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		Health:    health,
	}, log.Named("http"))

	srv := httpapi.Server(":"+cfg.HTTPPort, httpapi.NewRouter(h, httpapi.RouterConfig{
		AllowOrigins: cfg.CORSOrigins,
		Limiter:      limiter,
	}))

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server exited")
	return nil
}
