package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/app"
	"github.com/eduface/attendance/internal/config"
	"github.com/eduface/attendance/internal/logging"
	"github.com/eduface/attendance/internal/observability"
	"github.com/eduface/attendance/internal/worker"
)

var version = "dev"

// Worker consumes meeting.ended events and notifies absentees.
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
	log := logs.Base.With(zap.String("service", "worker"))
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		log.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker exited", zap.Error(err))
		flush()
		logs.Closer()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	if cfg.QueueBackend == "memory" {
		log.Warn("in-memory queue is not shared, the api process handles its own meeting events")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return worker.New(a.Dispatcher, cfg.NotifyOnEnd, log.Named("worker")).Run(ctx, a.Queue)
}
