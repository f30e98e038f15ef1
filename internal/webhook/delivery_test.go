package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/docpipe/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   Verdict
	}{
		{200, nil, Delivered},
		{204, nil, Delivered},
		{301, nil, Retry},
		{400, nil, Reject},
		{410, nil, Reject},
		{429, nil, Reject},
		{500, nil, Retry},
		{503, nil, Retry},
		{0, errors.New("connection refused"), Retry},
	}
	for _, tt := range tests {
		if got := Classify(tt.status, tt.err); got != tt.want {
			t.Errorf("Classify(%d, %v) = %v, want %v", tt.status, tt.err, got, tt.want)
		}
	}
}

// deliveryFixture creates one config pointing at srv and schedules a single
// progress event for it.
func deliveryFixture(t *testing.T, url string, policy *domain.RetryPolicy) (*memStore, *domain.Job, *domain.WebhookConfig) {
	t.Helper()
	m, s, q := newTestManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, "alice", ConfigInput{
		URL:              &url,
		SubscribedEvents: []domain.EventType{domain.EventEnhancementProgress},
		Headers:          map[string]string{"X-Tenant": "acme"},
		RetryPolicy:      policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TriggerWebhooks(ctx, "alice", progressEvent("alice")); err != nil {
		t.Fatal(err)
	}
	for _, j := range q.jobs {
		return s, j, c
	}
	t.Fatal("no delivery job")
	return nil, nil, nil
}

func onlyAttempt(t *testing.T, s *memStore) *domain.DeliveryAttempt {
	t.Helper()
	if len(s.attempts) != 1 {
		t.Fatalf("attempts = %d", len(s.attempts))
	}
	for _, a := range s.attempts {
		return a
	}
	return nil
}

func TestDeliverSignsAndRecords(t *testing.T) {
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig, ts, err := ExtractSignatureComponents(r.Header)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := ValidateSignature(body, sig, secret, ts, DefaultMaxAge); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		var env map[string]any
		if json.Unmarshal(body, &env) != nil || env["event"] != "enhancement.progress" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if r.Header.Get(HeaderEvent) != "enhancement.progress" || r.Header.Get("X-Tenant") != "acme" || r.Header.Get(HeaderDeliveryID) == "" {
			http.Error(w, "missing headers", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, job, c := deliveryFixture(t, srv.URL, nil)
	secret = c.Secret
	job.Attempts = 1

	d := NewDeliverer(s, srv.Client(), zaptest.NewLogger(t))
	if _, err := d.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	a := onlyAttempt(t, s)
	if a.Status != domain.DeliveryDelivered || a.AttemptCount != 1 || *a.HTTPStatus != 200 || a.DeliveredAt == nil {
		t.Errorf("attempt = %+v", a)
	}

	// A redelivered job for a finished lineage sends nothing.
	saves := s.saveCalls
	if _, err := d.Handle(context.Background(), job); err != nil || s.saveCalls != saves {
		t.Errorf("redelivery: err = %v, saves %d -> %d", err, saves, s.saveCalls)
	}
}

func TestDeliverClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	s, job, _ := deliveryFixture(t, srv.URL, nil)
	job.Attempts = 1
	_, err := NewDeliverer(s, srv.Client(), zaptest.NewLogger(t)).Handle(context.Background(), job)
	if err == nil || domain.IsRetryable(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
	a := onlyAttempt(t, s)
	if a.Status != domain.DeliveryFailed || *a.HTTPStatus != 404 || a.NextRetryAt != nil {
		t.Errorf("attempt = %+v", a)
	}
}

func TestDeliverRetriesUntilPolicyExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, job, _ := deliveryFixture(t, srv.URL, &domain.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 1000})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeliverer(s, srv.Client(), zaptest.NewLogger(t), WithDelivererClock(func() time.Time { return now }))

	wantDelay := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		job.Attempts = attempt
		_, err := d.Handle(context.Background(), job)
		if err == nil || !domain.IsRetryable(err) {
			t.Fatalf("attempt %d err = %v", attempt, err)
		}
		a := onlyAttempt(t, s)
		if attempt < job.MaxAttempts {
			if a.Status != domain.DeliveryRetrying || a.NextRetryAt == nil || a.NextRetryAt.Sub(now) != wantDelay[attempt-1] {
				t.Errorf("attempt %d = %+v", attempt, a)
			}
		} else if a.Status != domain.DeliveryFailed || a.AttemptCount != 3 {
			t.Errorf("final attempt = %+v", a)
		}
	}
	if hits.Load() != 3 {
		t.Errorf("endpoint hit %d times", hits.Load())
	}
}

func TestDeliverTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, job, _ := deliveryFixture(t, srv.URL, nil)
	job.Attempts = 1
	d := NewDeliverer(s, srv.Client(), zaptest.NewLogger(t), WithTimeout(50*time.Millisecond))
	if _, err := d.Handle(context.Background(), job); !domain.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	a := onlyAttempt(t, s)
	if a.Status != domain.DeliveryRetrying || a.Error == nil || *a.Error != "timeout" || a.HTTPStatus != nil {
		t.Errorf("attempt = %+v", a)
	}
}

func TestDeliverToDeletedConfig(t *testing.T) {
	s, job, c := deliveryFixture(t, "https://gone.example/h", nil)
	delete(s.configs, c.ID)
	job.Attempts = 1
	_, err := NewDeliverer(s, http.DefaultClient, zaptest.NewLogger(t)).Handle(context.Background(), job)
	if err == nil || domain.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
	if a := onlyAttempt(t, s); a.Status != domain.DeliveryFailed {
		t.Errorf("attempt = %+v", a)
	}
}

// Two subscribers for one pro-tier event: one answers 200, the other hangs.
// The healthy one is delivered and the slow one is scheduled for retry.
func TestOneSlowSubscriberDoesNotBlockAnother(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	m, s, q := newTestManager(t)
	ctx := context.Background()
	for _, u := range []string{ok.URL, slow.URL} {
		if _, err := m.Create(ctx, "alice", ConfigInput{URL: ptr(u), SubscribedEvents: []domain.EventType{domain.EventEnhancementCompleted}}); err != nil {
			t.Fatal(err)
		}
	}
	e := domain.NewEvent("run-9", "alice", domain.TierPro, time.Now(), domain.EnhancementCompleted{RunID: "run-9", DocumentID: "doc-9"})
	if err := m.TriggerWebhooks(ctx, "alice", e); err != nil {
		t.Fatal(err)
	}

	d := NewDeliverer(s, http.DefaultClient, zaptest.NewLogger(t), WithTimeout(50*time.Millisecond))
	for _, j := range q.jobs {
		j.Attempts = 1
		_, _ = d.Handle(ctx, j)
	}
	byURL := map[string]domain.DeliveryStatus{}
	for _, a := range s.attempts {
		byURL[s.configs[a.WebhookConfigID].URL] = a.Status
	}
	if byURL[ok.URL] != domain.DeliveryDelivered || byURL[slow.URL] != domain.DeliveryRetrying {
		t.Errorf("statuses = %v", byURL)
	}
}
