package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/metrics"
)

// Handler executes one claimed job. A returned error fails the attempt; wrap
// it with domain.Terminal to skip the remaining retries.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, job *domain.Job) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) ([]byte, error) { return f(ctx, job) }

// Backend is the part of the queue a pool needs.
type Backend interface {
	Claim(ctx context.Context, queue string, l Limits) (*domain.Job, error)
	Complete(ctx context.Context, job *domain.Job, result []byte) error
	Fail(ctx context.Context, job *domain.Job, err error) (Outcome, error)
}

type PoolConfig struct {
	Queue        string
	Workers      int
	Limits       Limits
	PollInterval time.Duration
	// Timeout bounds a single handler call.
	Timeout time.Duration
}

// Pool runs Workers goroutines that claim from one queue. Workers share no
// state beyond the backend.
type Pool struct {
	backend Backend
	handler Handler
	cfg     PoolConfig
	log     *zap.Logger
}

func NewPool(b Backend, h Handler, cfg PoolConfig, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{backend: b, handler: h, cfg: cfg, log: log.With(zap.String("queue", cfg.Queue))}
}

// Run blocks until ctx is cancelled. Jobs already running finish first.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	p.log.Info("worker pool started", zap.Int("workers", p.cfg.Workers),
		zap.Int("concurrency", p.cfg.Limits.Concurrency), zap.Int("rate_max", p.cfg.Limits.RateMax))
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.log.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.RunOnce(ctx)
		if processed {
			continue
		}

		wait := p.cfg.PollInterval
		var throttled *ThrottledError
		switch {
		case errors.As(err, &throttled):
			wait = time.Until(throttled.Until)
			if wait < 10*time.Millisecond {
				wait = 10 * time.Millisecond
			}
		case errors.Is(err, ErrConcurrencyLimit):
		case err != nil && ctx.Err() == nil:
			log.Error("claim failed", zap.Error(err))
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// processed, whatever its outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.backend.Claim(ctx, p.cfg.Queue, p.cfg.Limits)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := p.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	start := time.Now()
	result, herr := p.execute(ctx, job)
	metrics.JobDuration.WithLabelValues(p.cfg.Queue).Observe(time.Since(start).Seconds())

	// Bookkeeping must land even when shutdown cancelled ctx mid-job.
	bctx := context.WithoutCancel(ctx)
	if herr == nil {
		if err := p.backend.Complete(bctx, job, result); err != nil {
			log.Error("complete failed", zap.Error(err))
		}
		return true, nil
	}

	o, err := p.backend.Fail(bctx, job, herr)
	if err != nil {
		log.Error("fail bookkeeping failed", zap.Error(err), zap.NamedError("cause", herr))
		return true, nil
	}
	if o.Retry {
		log.Warn("job attempt failed, retrying", zap.Error(herr), zap.Duration("delay", o.Delay))
	} else {
		log.Error("job failed", zap.Error(herr), zap.Int("max_attempts", job.MaxAttempts))
	}
	return true, nil
}

func (p *Pool) execute(ctx context.Context, job *domain.Job) (result []byte, err error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("handler panic", zap.String("job_id", job.ID), zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return p.handler.Handle(ctx, job)
}
