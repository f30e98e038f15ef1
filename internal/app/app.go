// Package app wires the shared dependencies of every docpipe binary.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/config"
	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/live"
	"github.com/SirClappington/docpipe/internal/logging"
	"github.com/SirClappington/docpipe/internal/metrics"
	"github.com/SirClappington/docpipe/internal/pipeline"
	"github.com/SirClappington/docpipe/internal/queue"
	"github.com/SirClappington/docpipe/internal/storage"
	"github.com/SirClappington/docpipe/internal/webhook"
)

type App struct {
	Config       config.Config
	Log          *zap.Logger
	DB           *pgxpool.Pool
	Redis        redis.UniversalClient
	Store        *storage.Store
	Queue        *queue.RedisQ
	Webhooks     *webhook.Manager
	Orchestrator *pipeline.Orchestrator
}

// New connects to Postgres and Redis and builds the domain services.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel, service)
	if err != nil {
		return nil, err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	a := &App{
		Config: cfg,
		Log:    log,
		DB:     db,
		Redis:  rdb,
		Store:  storage.New(db),
		Queue:  queue.New(rdb, queue.WithLease(cfg.Queue.Lease), queue.WithRetention(cfg.Queue.Retention)),
	}
	a.Webhooks = webhook.NewManager(a.Store, a.Queue, log.Named("webhooks"),
		webhook.RequireHTTPS(cfg.Webhook.RequireHTTPS))

	var opts []pipeline.Option
	for s, p := range StagePools(cfg) {
		opts = append(opts, pipeline.WithStageJob(s, pipeline.StageJob{
			Queue:       pipeline.QueueName(s),
			MaxAttempts: p.MaxAttempts,
			Backoff:     domain.DefaultBackoff,
		}))
	}
	events := pipeline.Publishers{a.Webhooks, live.NewPublisher(rdb)}
	a.Orchestrator = pipeline.New(a.Store, a.Queue, events, log.Named("pipeline"), opts...)
	return a, nil
}

// StagePools returns the pool settings of each executable stage.
func StagePools(cfg config.Config) map[domain.Stage]config.Pool {
	return map[domain.Stage]config.Pool{
		domain.StageAnalysis:    cfg.Stages.Analysis,
		domain.StageEnhancement: cfg.Stages.Enhancement,
		domain.StageExport:      cfg.Stages.Export,
	}
}

// StageURLs returns the collaborator endpoint of each executable stage.
func StageURLs(cfg config.Config) map[domain.Stage]string {
	return map[domain.Stage]string{
		domain.StageAnalysis:    cfg.Stages.AnalysisURL,
		domain.StageEnhancement: cfg.Stages.EnhancementURL,
		domain.StageExport:      cfg.Stages.ExportURL,
	}
}

// Queues lists every queue the system uses.
func Queues() []string {
	qs := []string{webhook.DeliveryQueue}
	for _, s := range domain.ExecutableStages {
		qs = append(qs, pipeline.QueueName(s))
	}
	return qs
}

// PoolConfig maps configured pool settings onto a queue pool.
func PoolConfig(queueName string, p config.Pool, cfg config.Config) queue.PoolConfig {
	return queue.PoolConfig{
		Queue:        queueName,
		Workers:      p.Workers,
		PollInterval: cfg.Queue.PollInterval,
		Timeout:      p.Timeout,
		Limits: queue.Limits{
			Concurrency: p.Concurrency,
			RateMax:     p.RateMax,
			RateWindow:  p.RateWindow,
		},
	}
}

// Checks are the dependency probes served on /healthz.
func (a *App) Checks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"postgres": a.Store.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
}

// HTTPClient is the outbound client for webhook deliveries.
func (a *App) HTTPClient() *http.Client {
	return &http.Client{Timeout: a.Config.Webhook.Timeout}
}

func (a *App) Close() error {
	a.DB.Close()
	return multierr.Combine(a.Redis.Close(), a.Log.Sync())
}
