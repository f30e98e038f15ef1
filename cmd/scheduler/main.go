package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/app"
	"github.com/SirClappington/docpipe/internal/config"
	"github.com/SirClappington/docpipe/internal/scheduler"
)

func main() {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "scheduler")
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	s := scheduler.New(a.Queue, a.Orchestrator, scheduler.NewAdvisoryLock(a.DB, cfg.Scheduler.LockKey), app.Queues(),
		cfg.Scheduler.Interval, cfg.Scheduler.PruneBatch, a.Log)
	if err := s.Run(ctx); err != nil {
		a.Log.Error("scheduler stopped", zap.Error(err))
	}
}
