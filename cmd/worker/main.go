package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/docpipe/internal/app"
	"github.com/SirClappington/docpipe/internal/config"
	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/pipeline"
	"github.com/SirClappington/docpipe/internal/queue"
	"github.com/SirClappington/docpipe/internal/webhook"
)

func main() {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "worker")
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	executors := map[domain.Stage]pipeline.Executor{}
	pools := app.StagePools(cfg)
	for s, url := range app.StageURLs(cfg) {
		executors[s] = pipeline.NewHTTPExecutor(url, pools[s].Timeout)
	}
	stages := pipeline.NewStageWorker(a.Orchestrator, executors, a.Queue, a.Log.Named("stage"))
	deliverer := webhook.NewDeliverer(a.Store, a.HTTPClient(), a.Log.Named("delivery"),
		webhook.WithTimeout(cfg.Webhook.Timeout))

	g, ctx := errgroup.WithContext(ctx)
	for s, p := range pools {
		pool := queue.NewPool(a.Queue, stages, app.PoolConfig(pipeline.QueueName(s), p, cfg), a.Log)
		g.Go(func() error { return pool.Run(ctx) })
	}
	delivery := queue.NewPool(a.Queue, deliverer, app.PoolConfig(webhook.DeliveryQueue, cfg.Webhook.Delivery, cfg), a.Log)
	g.Go(func() error { return delivery.Run(ctx) })

	a.Log.Info("worker started", zap.Strings("queues", app.Queues()))
	if err := g.Wait(); err != nil {
		a.Log.Error("worker stopped", zap.Error(err))
	}
}
