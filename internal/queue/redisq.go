package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/metrics"
)

const (
	jobPrefix    = "job:"
	promoteBatch = 200
	maxPriority  = 99
)

var (
	// ErrNotActive is returned when a job is completed or failed by a worker
	// that no longer holds it (lease expired and requeued, or already finished).
	ErrNotActive = errors.New("job is not active")

	// ErrConcurrencyLimit means the queue already runs its maximum number of jobs.
	ErrConcurrencyLimit = errors.New("queue concurrency limit reached")
)

// ThrottledError is returned by Claim when the queue governor is saturated.
type ThrottledError struct {
	Until time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("queue governor saturated until %s", e.Until.Format(time.RFC3339Nano))
}

// Options configures a single enqueue.
type Options struct {
	// JobID makes the enqueue idempotent: a second enqueue with the same ID is a
	// no-op that returns the same ID.
	JobID       string
	Priority    int
	MaxAttempts int
	Backoff     domain.Backoff
	Delay       time.Duration
}

// Limits bound how many jobs of one queue execute at once and how many may
// start per rolling window. Zero disables a limit.
type Limits struct {
	Concurrency int
	RateMax     int
	RateWindow  time.Duration
}

type RedisQ struct {
	rdb       r.UniversalClient
	lease     time.Duration
	retention time.Duration
	now       func() time.Time
}

type Option func(*RedisQ)

// WithLease sets how long a claimed job may run before the scheduler requeues it.
func WithLease(d time.Duration) Option { return func(q *RedisQ) { q.lease = d } }

// WithRetention sets how long finished jobs stay queryable.
func WithRetention(d time.Duration) Option { return func(q *RedisQ) { q.retention = d } }

func WithClock(now func() time.Time) Option { return func(q *RedisQ) { q.now = now } }

func New(rdb r.UniversalClient, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:       rdb,
		lease:     5 * time.Minute,
		retention: 7 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func jobKey(id string) string      { return jobPrefix + id }
func waitKey(queue string) string  { return "queue:" + queue }
func delayKey(queue string) string { return "delay:" + queue }
func activeKey(queue string) string {
	return "active:" + queue
}
func governorKey(queue string) string { return "rate:" + queue }
func seqKey(queue string) string      { return "seq:" + queue }
func doneKey(queue string) string     { return "done:" + queue }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *RedisQ) Enqueue(ctx context.Context, queue string, payload []byte, o Options) (string, error) {
	if queue == "" {
		return "", domain.Invalid("queue", "required")
	}
	if o.Priority < 0 || o.Priority > maxPriority {
		return "", domain.Invalid("priority", "must be between 0 and %d", maxPriority)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Backoff == (domain.Backoff{}) {
		o.Backoff = domain.DefaultBackoff
	}
	id := o.JobID
	if id == "" {
		id = newJobID()
	}
	now := q.now()
	runAt := now.Add(o.Delay)

	created, err := enqueueScript.Run(ctx, q.rdb,
		[]string{jobKey(id), waitKey(queue), delayKey(queue), seqKey(queue)},
		id, queue, string(payload), strconv.Itoa(o.Priority), strconv.Itoa(o.MaxAttempts),
		strconv.FormatInt(o.Backoff.InitialDelay.Milliseconds(), 10),
		strconv.FormatFloat(o.Backoff.Multiplier, 'f', -1, 64),
		strconv.FormatInt(o.Backoff.MaxDelay.Milliseconds(), 10),
		ms(now), ms(runAt),
	).Int64()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	if created == 1 {
		metrics.JobsEnqueued.WithLabelValues(queue).Inc()
	}
	return id, nil
}

// Claim hands the highest-priority waiting job to the caller and marks it
// active. It returns (nil, nil) when the queue is empty.
func (q *RedisQ) Claim(ctx context.Context, queue string, l Limits) (*domain.Job, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{waitKey(queue), delayKey(queue), activeKey(queue), governorKey(queue), seqKey(queue)},
		ms(now), ms(now.Add(q.lease)),
		strconv.Itoa(l.Concurrency), strconv.Itoa(l.RateMax), ms(now.Add(-l.RateWindow)),
		strconv.Itoa(promoteBatch), jobPrefix,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", queue, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claim %s: unexpected reply %v", queue, res)
	}
	code, _ := res[0].(int64)
	val, _ := res[1].(string)
	switch code {
	case 0:
		return nil, nil
	case 2:
		return nil, ErrConcurrencyLimit
	case 3:
		oldest, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("claim %s: governor score %q: %w", queue, val, err)
		}
		return nil, &ThrottledError{Until: time.UnixMilli(int64(oldest)).Add(l.RateWindow)}
	}
	return q.Get(ctx, val)
}

func (q *RedisQ) Get(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return parseJob(fields)
}

func (q *RedisQ) UpdateProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	ok, err := progressScript.Run(ctx, q.rdb, []string{jobKey(id)}, strconv.Itoa(percent), ms(q.now())).Int64()
	if err != nil {
		return fmt.Errorf("progress %s: %w", id, err)
	}
	if ok == 0 {
		return ErrNotActive
	}
	return nil
}

func (q *RedisQ) Complete(ctx context.Context, job *domain.Job, result []byte) error {
	ok, err := completeScript.Run(ctx, q.rdb,
		[]string{jobKey(job.ID), activeKey(job.Queue), doneKey(job.Queue)},
		job.ID, ms(q.now()), string(result), q.retentionSeconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrNotActive
	}
	metrics.JobsFinished.WithLabelValues(job.Queue, "completed").Inc()
	return nil
}

// Fail records a failed attempt. The job is rescheduled with backoff when the
// error is retryable and attempts remain, otherwise it becomes terminal-failed
// and stays queryable for the retention window.
func (q *RedisQ) Fail(ctx context.Context, job *domain.Job, cause error) (Outcome, error) {
	now := q.now()
	o := Plan(job, cause, now)
	retry, next := "0", ""
	if o.Retry {
		retry, next = "1", ms(o.NextRunAt)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := failScript.Run(ctx, q.rdb,
		[]string{jobKey(job.ID), activeKey(job.Queue), delayKey(job.Queue), doneKey(job.Queue)},
		job.ID, ms(now), msg, retry, next, q.retentionSeconds(),
	).Int64()
	if err != nil {
		return o, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	if res == 0 {
		return o, ErrNotActive
	}
	if o.Retry {
		metrics.JobsFinished.WithLabelValues(job.Queue, "retry").Inc()
	} else {
		metrics.JobsFinished.WithLabelValues(job.Queue, "failed").Inc()
	}
	return o, nil
}

// PromoteDue moves delayed jobs whose run time has passed into the waiting set.
func (q *RedisQ) PromoteDue(ctx context.Context, queue string, batch int64) (int64, error) {
	return promoteScript.Run(ctx, q.rdb,
		[]string{waitKey(queue), delayKey(queue), seqKey(queue)},
		ms(q.now()), strconv.FormatInt(batch, 10), jobPrefix,
	).Int64()
}

// RequeueExpired returns jobs whose lease ran out to the waiting set, or fails
// them when they have no attempts left. The IDs of failed jobs are returned so
// their owners can be told.
func (q *RedisQ) RequeueExpired(ctx context.Context, queue string, batch int64) (requeued int64, failed []string, err error) {
	res, err := reapScript.Run(ctx, q.rdb,
		[]string{activeKey(queue), waitKey(queue), seqKey(queue), doneKey(queue)},
		ms(q.now()), strconv.FormatInt(batch, 10), jobPrefix, q.retentionSeconds(),
	).StringSlice()
	if err != nil {
		return 0, nil, fmt.Errorf("requeue expired %s: %w", queue, err)
	}
	if len(res) == 0 {
		return 0, nil, nil
	}
	if requeued, err = strconv.ParseInt(res[0], 10, 64); err != nil {
		return 0, nil, fmt.Errorf("requeue expired %s: %w", queue, err)
	}
	failed = res[1:]
	metrics.JobsFinished.WithLabelValues(queue, "failed").Add(float64(len(failed)))
	return requeued, failed, nil
}

// Prune drops finished jobs older than the retention window.
func (q *RedisQ) Prune(ctx context.Context, queue string, batch int64) (int, error) {
	cutoff := q.now().Add(-q.retention)
	ids, err := q.rdb.ZRangeByScore(ctx, doneKey(queue), &r.ZRangeBy{
		Min: "-inf", Max: ms(cutoff), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, doneKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Depth reports how many jobs wait, are delayed and are active.
func (q *RedisQ) Depth(ctx context.Context, queue string) (waiting, delayed, active int64, err error) {
	pipe := q.rdb.Pipeline()
	w := pipe.ZCard(ctx, waitKey(queue))
	d := pipe.ZCard(ctx, delayKey(queue))
	a := pipe.ZCard(ctx, activeKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return w.Val(), d.Val(), a.Val(), nil
}

func (q *RedisQ) retentionSeconds() string {
	s := int64(q.retention / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}
