// Package ratelimit is the admission gate in front of pipeline submission and
// the sensitive endpoints. Counts live in Redis; nothing authoritative is kept
// in process memory.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/logging"
	"github.com/SirClappington/docpipe/internal/metrics"
)

type Dimension string

const (
	DimensionUser Dimension = "user"
	DimensionIP   Dimension = "ip"
	DimensionBoth Dimension = "both"
	DimensionNone Dimension = "none"
)

// Check names one window to evaluate.
type Check struct {
	Key    string
	Window Window
}

// Store evaluates a request's windows as one atomic step. The request is
// appended to every window when all of them allow it, and also on denial when
// recordDenied is set. Hits come back in the order of checks.
type Store interface {
	Hit(ctx context.Context, checks []Check, recordDenied bool) ([]Hit, error)
}

// Hit is the raw window state after a check.
type Hit struct {
	Allowed bool
	Count   int
	// ResetAt is when the oldest entry leaves the window.
	ResetAt time.Time
	// RetryAt is when enough entries have left the window for a new request
	// to be admitted.
	RetryAt time.Time
}

type Request struct {
	UserID   string
	IP       string
	Endpoint string
	Tier     domain.Tier
}

// Result is the evaluation of one dimension.
type Result struct {
	Dimension  Dimension
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Decision struct {
	Allowed         bool
	Limit           int
	Remaining       int
	ResetAt         time.Time
	RetryAfter      time.Duration
	MostRestrictive Dimension
	User            *Result
	IP              *Result
	// Degraded is set when the store failed and the fail-open policy let the
	// request through unchecked.
	Degraded bool
}

type Limiter struct {
	store        Store
	policy       *Policy
	failClosed   bool
	recordDenied bool
	log          *zap.Logger
	now          func() time.Time
}

type Option func(*Limiter)

// FailClosed rejects requests when the counter store is unavailable.
func FailClosed(v bool) Option { return func(l *Limiter) { l.failClosed = v } }

// RecordDenied controls whether rejected requests still occupy the window.
// When off, a request denied by either dimension is recorded in neither.
func RecordDenied(v bool) Option { return func(l *Limiter) { l.recordDenied = v } }

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func New(store Store, policy *Policy, log *zap.Logger, opts ...Option) *Limiter {
	if policy == nil {
		policy = DefaultPolicy()
	}
	l := &Limiter{store: store, policy: policy, recordDenied: true, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func key(endpoint string, dim Dimension, subject string) string {
	return fmt.Sprintf("rl:%s:%s:%s", endpoint, dim, subject)
}

// Check evaluates the per-user and per-IP windows for req. Anonymous requests
// only get the IP check. The error is non-nil only when the store failed and
// the policy is fail-closed.
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	if req.UserID == "" {
		req.Tier = domain.TierAnonymous
	}
	if req.IP == "" {
		req.IP = "unknown"
	}
	limits := l.policy.Resolve(req.Endpoint, req.Tier)

	var checks []Check
	var dims []Dimension
	if req.UserID != "" {
		checks = append(checks, Check{Key: key(req.Endpoint, DimensionUser, req.UserID), Window: limits.User})
		dims = append(dims, DimensionUser)
	}
	checks = append(checks, Check{Key: key(req.Endpoint, DimensionIP, req.IP), Window: limits.IP})
	dims = append(dims, DimensionIP)

	hits, err := l.store.Hit(ctx, checks, l.recordDenied)
	if err == nil && len(hits) != len(checks) {
		err = fmt.Errorf("store returned %d hits for %d checks", len(hits), len(checks))
	}
	if err != nil {
		return l.storeFailure(req, err)
	}
	now := l.now()
	var user, ip *Result
	for i, h := range hits {
		res := result(dims[i], checks[i].Window, h, now)
		if dims[i] == DimensionUser {
			user = res
		} else {
			ip = res
		}
	}

	d := Combine(user, ip)
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
		l.log.Info("admission denied",
			zap.String("endpoint", req.Endpoint),
			zap.String("user_id", req.UserID),
			zap.String("ip", req.IP),
			zap.String("most_restrictive", string(d.MostRestrictive)),
			zap.Duration("retry_after", d.RetryAfter))
	}
	metrics.RateLimitDecisions.WithLabelValues(req.Endpoint, outcome, string(d.MostRestrictive)).Inc()
	return d, nil
}

func result(dim Dimension, w Window, h Hit, now time.Time) *Result {
	res := &Result{
		Dimension: dim,
		Allowed:   h.Allowed,
		Limit:     w.MaxRequests,
		Remaining: w.MaxRequests - h.Count,
		ResetAt:   h.ResetAt,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.ResetAt = h.RetryAt
		res.RetryAfter = h.RetryAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

func (l *Limiter) storeFailure(req Request, err error) (Decision, error) {
	fields := []zap.Field{
		logging.SecurityEvent(),
		zap.String("endpoint", req.Endpoint),
		zap.String("user_id", req.UserID),
		zap.String("ip", req.IP),
		zap.Error(err),
	}
	if l.failClosed {
		metrics.RateLimitStoreErrors.WithLabelValues("rejected").Inc()
		l.log.Error("rate limit store unavailable, failing closed", fields...)
		return Decision{MostRestrictive: DimensionNone, Degraded: true}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	metrics.RateLimitStoreErrors.WithLabelValues("allowed").Inc()
	l.log.Warn("rate limit store unavailable, failing open", fields...)
	return Decision{Allowed: true, MostRestrictive: DimensionNone, Degraded: true}, nil
}

// Combine ANDs the dimension results and surfaces the most restrictive one.
// A nil result means the dimension was not checked.
func Combine(user, ip *Result) Decision {
	d := Decision{Allowed: true, MostRestrictive: DimensionNone, User: user, IP: ip}

	var denied []*Result
	var tightest *Result
	for _, r := range []*Result{user, ip} {
		if r == nil {
			continue
		}
		if !r.Allowed {
			denied = append(denied, r)
		}
		if tightest == nil || r.Remaining < tightest.Remaining {
			tightest = r
		}
	}
	if tightest == nil {
		return d
	}

	switch len(denied) {
	case 0:
		d.Limit, d.Remaining, d.ResetAt = tightest.Limit, tightest.Remaining, tightest.ResetAt
		return d
	case 1:
		d.MostRestrictive = denied[0].Dimension
	default:
		d.MostRestrictive = DimensionBoth
	}

	d.Allowed = false
	worst := denied[0]
	for _, r := range denied[1:] {
		if r.RetryAfter > worst.RetryAfter {
			worst = r
		}
	}
	d.Limit, d.Remaining, d.ResetAt, d.RetryAfter = worst.Limit, 0, worst.ResetAt, worst.RetryAfter
	return d
}

// Err converts a denial into the admission error surfaced to callers.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.AdmissionDeniedError{RetryAfter: d.RetryAfter}
}
