// Package scheduler runs queue maintenance: promoting due delayed jobs,
// requeueing expired leases and pruning finished jobs. Only the instance
// holding the Postgres advisory lock does work.
package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Maintainer is the part of the queue the scheduler drives.
type Maintainer interface {
	PromoteDue(ctx context.Context, queue string, batch int64) (int64, error)
	RequeueExpired(ctx context.Context, queue string, batch int64) (requeued int64, failed []string, err error)
	Prune(ctx context.Context, queue string, batch int64) (int, error)
}

// Abandoner is told about jobs the reaper failed after their last lease ran
// out, since no worker will report on them.
type Abandoner interface {
	JobAbandoned(ctx context.Context, queue, jobID, reason string) error
}

// LeaseExpired is the reason recorded for jobs failed by the reaper.
const LeaseExpired = "lease expired"

// Lock is a leader lock. TryAcquire is called every tick until it succeeds.
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Scheduler struct {
	q        Maintainer
	owner    Abandoner
	lock     Lock
	queues   []string
	interval time.Duration
	batch    int64
	log      *zap.Logger
}

// New builds a scheduler. owner may be nil.
func New(q Maintainer, owner Abandoner, lock Lock, queues []string, interval time.Duration, batch int64, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 500
	}
	return &Scheduler{q: q, owner: owner, lock: lock, queues: queues, interval: interval, batch: batch, log: log}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	leader := false
	defer func() {
		if leader {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release leader lock", zap.Error(err))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if !leader {
			ok, err := s.lock.TryAcquire(ctx)
			if err != nil {
				s.log.Warn("leader lock", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			leader = true
			s.log.Info("acquired scheduler leadership")
		}
		s.Tick(ctx)
	}
}

// Tick runs one maintenance pass over every queue. Errors are logged and the
// next queue is still processed.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, q := range s.queues {
		log := s.log.With(zap.String("queue", q))
		if n, err := s.q.PromoteDue(ctx, q, s.batch); err != nil {
			log.Error("promote due jobs", zap.Error(err))
		} else if n > 0 {
			log.Debug("promoted delayed jobs", zap.Int64("count", n))
		}
		if requeued, failed, err := s.q.RequeueExpired(ctx, q, s.batch); err != nil {
			log.Error("requeue expired leases", zap.Error(err))
		} else if requeued > 0 || len(failed) > 0 {
			log.Warn("expired leases reaped", zap.Int64("requeued", requeued), zap.Int("failed", len(failed)))
			s.abandon(ctx, log, q, failed)
		}
		if n, err := s.q.Prune(ctx, q, s.batch); err != nil {
			log.Error("prune finished jobs", zap.Error(err))
		} else if n > 0 {
			log.Debug("pruned finished jobs", zap.Int("count", n))
		}
	}
}

func (s *Scheduler) abandon(ctx context.Context, log *zap.Logger, queue string, ids []string) {
	if s.owner == nil {
		return
	}
	for _, id := range ids {
		if err := s.owner.JobAbandoned(ctx, queue, id, LeaseExpired); err != nil {
			log.Error("report abandoned job", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// AdvisoryLock holds pg_try_advisory_lock on one pooled connection for as long
// as the process leads.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}
	var ok bool
	if err := l.conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		l.conn.Release()
		l.conn = nil
		return false, err
	}
	return ok, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	_, err := l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	return err
}
