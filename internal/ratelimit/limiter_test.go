package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/docpipe/internal/domain"
)

func newRedisStore(t *testing.T) (*RedisStore, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	now := time.UnixMilli(1_700_000_000_000)
	s := NewRedisStore(rdb)
	s.now = func() time.Time { return now }
	return s, &now
}

func hitOne(t *testing.T, s *RedisStore, key string, w Window, record bool) Hit {
	t.Helper()
	hits, err := s.Hit(context.Background(), []Check{{Key: key, Window: w}}, record)
	if err != nil {
		t.Fatal(err)
	}
	return hits[0]
}

func TestSlidingWindowRecordsDenials(t *testing.T) {
	s, now := newRedisStore(t)
	w := Window{Window: time.Minute, MaxRequests: 3}
	start := *now

	for i := 0; i < 3; i++ {
		if h := hitOne(t, s, "k", w, true); !h.Allowed {
			t.Fatalf("request %d denied", i)
		}
		*now = now.Add(10 * time.Second)
	}
	h := hitOne(t, s, "k", w, true)
	if h.Allowed || h.Count != 4 {
		t.Fatalf("4th hit = %+v, want denied with count 4", h)
	}
	if !h.ResetAt.Equal(start.Add(time.Minute)) {
		t.Errorf("reset = %s, want %s", h.ResetAt, start.Add(time.Minute))
	}
	// Two entries must leave before a fourth request fits.
	if want := start.Add(10 * time.Second).Add(time.Minute); !h.RetryAt.Equal(want) {
		t.Errorf("retry at = %s, want %s", h.RetryAt, want)
	}

	// The first entry has aged out but the recorded denial still occupies the window.
	*now = start.Add(61 * time.Second)
	if h := hitOne(t, s, "k", w, true); h.Allowed {
		t.Fatal("denied retries should keep counting")
	}
}

func TestSlidingWindowWithoutRecordingDenials(t *testing.T) {
	s, now := newRedisStore(t)
	w := Window{Window: time.Minute, MaxRequests: 2}
	start := *now

	hitOne(t, s, "k", w, false)
	*now = now.Add(30 * time.Second)
	hitOne(t, s, "k", w, false)
	if h := hitOne(t, s, "k", w, false); h.Allowed || h.Count != 2 {
		t.Fatalf("3rd hit = %+v", h)
	}
	*now = start.Add(61 * time.Second)
	if h := hitOne(t, s, "k", w, false); !h.Allowed {
		t.Fatal("window should have slid past the first request")
	}
}

// Allowed requests inside any trailing window never exceed the ceiling.
func TestSlidingWindowNeverExceedsCeiling(t *testing.T) {
	for _, record := range []bool{true, false} {
		s, now := newRedisStore(t)
		w := Window{Window: 10 * time.Second, MaxRequests: 5}
		rng := rand.New(rand.NewSource(7))
		var allowed []time.Time

		for i := 0; i < 300; i++ {
			*now = now.Add(time.Duration(rng.Intn(1500)) * time.Millisecond)
			if h := hitOne(t, s, "prop", w, record); h.Allowed {
				allowed = append(allowed, *now)
			}
		}
		for i, ts := range allowed {
			n := 0
			for _, o := range allowed[:i+1] {
				if o.After(ts.Add(-w.Window)) {
					n++
				}
			}
			if n > w.MaxRequests {
				t.Fatalf("record=%v: %d allowed in window ending %s", record, n, ts)
			}
		}
		if len(allowed) == 0 {
			t.Fatalf("record=%v: nothing allowed", record)
		}
	}
}

func TestCombine(t *testing.T) {
	reset := time.Unix(100, 0)
	ok := func(d Dimension, rem int) *Result {
		return &Result{Dimension: d, Allowed: true, Limit: 10, Remaining: rem, ResetAt: reset}
	}
	deny := func(d Dimension, after time.Duration) *Result {
		return &Result{Dimension: d, Allowed: false, Limit: 10, ResetAt: reset.Add(after), RetryAfter: after}
	}
	tests := []struct {
		name       string
		user, ip   *Result
		allowed    bool
		restrict   Dimension
		retryAfter time.Duration
		remaining  int
	}{
		{"both allowed", ok(DimensionUser, 4), ok(DimensionIP, 2), true, DimensionNone, 0, 2},
		{"anonymous allowed", nil, ok(DimensionIP, 7), true, DimensionNone, 0, 7},
		{"user denied", deny(DimensionUser, 5*time.Second), ok(DimensionIP, 9), false, DimensionUser, 5 * time.Second, 0},
		{"ip denied", ok(DimensionUser, 9), deny(DimensionIP, 3*time.Second), false, DimensionIP, 3 * time.Second, 0},
		{"both denied", deny(DimensionUser, 2*time.Second), deny(DimensionIP, 8*time.Second), false, DimensionBoth, 8 * time.Second, 0},
		{"nothing checked", nil, nil, true, DimensionNone, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Combine(tt.user, tt.ip)
			wantAnd := (tt.user == nil || tt.user.Allowed) && (tt.ip == nil || tt.ip.Allowed)
			if d.Allowed != wantAnd || d.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.allowed)
			}
			if d.MostRestrictive != tt.restrict {
				t.Errorf("MostRestrictive = %s, want %s", d.MostRestrictive, tt.restrict)
			}
			if d.RetryAfter != tt.retryAfter {
				t.Errorf("RetryAfter = %s, want %s", d.RetryAfter, tt.retryAfter)
			}
			if d.Remaining != tt.remaining {
				t.Errorf("Remaining = %d, want %d", d.Remaining, tt.remaining)
			}
		})
	}
}

type fakeStore struct {
	keys    []string
	err     error
	denyKey string
}

func (f *fakeStore) Hit(ctx context.Context, checks []Check, record bool) ([]Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	var hits []Hit
	for _, c := range checks {
		f.keys = append(f.keys, c.Key)
		reset := now.Add(c.Window.Window)
		if c.Key == f.denyKey {
			hits = append(hits, Hit{Count: c.Window.MaxRequests + 1, ResetAt: reset, RetryAt: reset})
			continue
		}
		hits = append(hits, Hit{Allowed: true, Count: 1, ResetAt: reset, RetryAt: reset})
	}
	return hits, nil
}

func newRedisLimiter(t *testing.T, p *Policy, opts ...Option) (*Limiter, *time.Time) {
	t.Helper()
	s, now := newRedisStore(t)
	opts = append(opts, WithClock(func() time.Time { return *now }))
	return New(s, p, zaptest.NewLogger(t), opts...), now
}

func TestRetryAfterAdmitsNextRequest(t *testing.T) {
	for _, record := range []bool{true, false} {
		w := Window{Window: time.Minute, MaxRequests: 2}
		p := &Policy{Tiers: map[domain.Tier]Limits{domain.TierAnonymous: {User: w, IP: w}}}
		l, now := newRedisLimiter(t, p, RecordDenied(record))
		req := Request{IP: "203.0.113.9", Endpoint: "submit"}

		var d Decision
		for i := 0; i < 5; i++ {
			var err error
			if d, err = l.Check(context.Background(), req); err != nil {
				t.Fatal(err)
			}
			if i < 4 {
				*now = now.Add(time.Second)
			}
		}
		if d.Allowed || d.RetryAfter <= 0 {
			t.Fatalf("record=%v: 5th decision = %+v", record, d)
		}
		*now = now.Add(d.RetryAfter)
		if d, _ := l.Check(context.Background(), req); !d.Allowed {
			t.Errorf("record=%v: denied again after waiting %s", record, d.RetryAfter)
		}
	}
}

func TestDeniedRequestIsNotRecordedInOtherDimension(t *testing.T) {
	p := &Policy{Tiers: map[domain.Tier]Limits{
		domain.TierAnonymous: {User: minute(5), IP: minute(1)},
	}}
	l, _ := newRedisLimiter(t, p, RecordDenied(false))
	ctx := context.Background()
	check := func(ip string) Decision {
		t.Helper()
		d, err := l.Check(ctx, Request{UserID: "u1", IP: ip, Endpoint: "submit", Tier: domain.TierFree})
		if err != nil {
			t.Fatal(err)
		}
		return d
	}

	check("10.0.0.1")
	if d := check("10.0.0.1"); d.Allowed || d.MostRestrictive != DimensionIP {
		t.Fatalf("second request from same ip = %+v", d)
	}
	for _, ip := range []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"} {
		if d := check(ip); !d.Allowed {
			t.Fatalf("%s denied: %+v", ip, d)
		}
	}
	if d := check("10.0.0.6"); d.Allowed || d.MostRestrictive != DimensionUser {
		t.Errorf("sixth admitted request = %+v, want user denial", d)
	}
}

func TestCheckAnonymousOnlyChecksIP(t *testing.T) {
	fs := &fakeStore{}
	l := New(fs, nil, zaptest.NewLogger(t))
	d, err := l.Check(context.Background(), Request{IP: "10.0.0.1", Endpoint: "submit"})
	if err != nil || !d.Allowed {
		t.Fatalf("Check = %+v, %v", d, err)
	}
	if len(fs.keys) != 1 || fs.keys[0] != "rl:submit:ip:10.0.0.1" {
		t.Errorf("keys = %v", fs.keys)
	}
	if d.User != nil {
		t.Error("anonymous request should not carry a user result")
	}
}

func TestCheckUserDenied(t *testing.T) {
	fs := &fakeStore{denyKey: "rl:submit:user:u1"}
	l := New(fs, nil, zaptest.NewLogger(t))
	d, err := l.Check(context.Background(), Request{UserID: "u1", IP: "10.0.0.1", Endpoint: "submit", Tier: domain.TierPro})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.MostRestrictive != DimensionUser {
		t.Fatalf("decision = %+v", d)
	}
	var denied *domain.AdmissionDeniedError
	if !errors.As(d.Err(), &denied) {
		t.Errorf("Err() = %v", d.Err())
	}
}

func TestStoreFailurePolicy(t *testing.T) {
	fs := &fakeStore{err: errors.New("dial tcp: connection refused")}

	open := New(fs, nil, zaptest.NewLogger(t))
	d, err := open.Check(context.Background(), Request{UserID: "u1", IP: "1.2.3.4", Endpoint: "submit"})
	if err != nil || !d.Allowed || !d.Degraded {
		t.Errorf("fail-open = %+v, %v", d, err)
	}

	closed := New(fs, nil, zaptest.NewLogger(t), FailClosed(true))
	d, err = closed.Check(context.Background(), Request{UserID: "u1", IP: "1.2.3.4", Endpoint: "submit"})
	if !errors.Is(err, domain.ErrStoreUnavailable) || d.Allowed {
		t.Errorf("fail-closed = %+v, %v", d, err)
	}
}

func TestPolicyResolve(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Resolve("read", domain.TierPro).User.MaxRequests; got != 50 {
		t.Errorf("pro read = %d, want 50", got)
	}
	if got := p.Resolve("submit", domain.TierPro).User.MaxRequests; got != 30 {
		t.Errorf("pro submit = %d, want 30", got)
	}
	if got := p.Resolve("read", domain.Tier("platinum")); got != p.Tiers[domain.TierAnonymous] {
		t.Errorf("unknown tier = %+v, want anonymous fallback", got)
	}
	if got := p.Resolve("webhooks", domain.TierPro).User.MaxRequests; got != 30 {
		t.Errorf("pro webhooks = %d, want 30", got)
	}
	// basic has no webhooks override: the anonymous override is tighter than its tier entry.
	if got := p.Resolve("webhooks", domain.TierBasic).User.MaxRequests; got != 10 {
		t.Errorf("basic webhooks = %d, want 10", got)
	}
	if got := p.Resolve("auth", domain.TierPremium).IP.MaxRequests; got != 10 {
		t.Errorf("premium auth ip = %d, want 10", got)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `tiers:
  anonymous:
    user: {window: 1m, max_requests: 5}
    ip: {window: 1m, max_requests: 10}
  pro:
    user: {window: 30s, max_requests: 40}
    ip: {window: 1m, max_requests: 100}
endpoints:
  auth:
    anonymous:
      user: {window: 1m, max_requests: 2}
      ip: {window: 1m, max_requests: 3}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	pro := p.Resolve("submit", domain.TierPro)
	if pro.User.Window != 30*time.Second || pro.User.MaxRequests != 40 {
		t.Errorf("pro = %+v", pro)
	}
	if got := p.Resolve("auth", domain.TierPro).User.MaxRequests; got != 2 {
		t.Errorf("auth pro user = %d, want 2", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("tiers:\n  pro:\n    user: {window: 1m, max_requests: 1}\n    ip: {window: 1m, max_requests: 1}\n"), 0o644)
	if _, err := LoadPolicyFile(bad); err == nil {
		t.Error("policy without anonymous fallback should be rejected")
	}
}

func TestMiddlewareRejects(t *testing.T) {
	fs := &fakeStore{denyKey: "rl:submit:ip:192.0.2.1"}
	l := New(fs, nil, zaptest.NewLogger(t))
	h := Middleware(l, "submit", func(r *http.Request) (string, domain.Tier) { return "", domain.TierAnonymous })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }))

	req := httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/enhance", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Policy") != "ip" {
		t.Errorf("headers = %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/documents/doc-1/enhance", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("allowed response should carry rate limit headers")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	for d, want := range map[time.Duration]int{
		0:                       1,
		200 * time.Millisecond:  1,
		2 * time.Second:         2,
		2001 * time.Millisecond: 3,
	} {
		if got := RetryAfterSeconds(d); got != want {
			t.Errorf("RetryAfterSeconds(%s) = %d, want %d", d, got, want)
		}
	}
}
