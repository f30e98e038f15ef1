package webhook

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/queue"
)

type memStore struct {
	mu        sync.Mutex
	configs   map[string]*domain.WebhookConfig
	attempts  map[string]*domain.DeliveryAttempt
	failFor   string
	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{configs: map[string]*domain.WebhookConfig{}, attempts: map[string]*domain.DeliveryAttempt{}}
}

func copyConfig(c *domain.WebhookConfig) *domain.WebhookConfig {
	cp := *c
	cp.SubscribedEvents = append([]domain.EventType(nil), c.SubscribedEvents...)
	return &cp
}

func (s *memStore) CreateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.ID] = copyConfig(c)
	return nil
}

func (s *memStore) GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyConfig(c), nil
}

func (s *memStore) ListWebhookConfigs(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookConfig
	for _, c := range s.configs {
		if c.OwnerID == ownerID {
			out = append(out, *copyConfig(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListSubscribedConfigs(ctx context.Context, ownerID string, t domain.EventType) ([]domain.WebhookConfig, error) {
	all, _ := s.ListWebhookConfigs(ctx, ownerID)
	var out []domain.WebhookConfig
	for _, c := range all {
		if c.IsActive && c.Subscribed(t) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.configs[c.ID]; !ok || cur.OwnerID != c.OwnerID {
		return domain.ErrNotFound
	}
	s.configs[c.ID] = copyConfig(c)
	return nil
}

func (s *memStore) DeleteWebhookConfig(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.configs[id]; !ok || cur.OwnerID != ownerID {
		return domain.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

func (s *memStore) CreateDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor != "" && a.WebhookConfigID == s.failFor {
		return errors.New("db write failed")
	}
	if _, ok := s.attempts[a.ID]; !ok {
		cp := *a
		s.attempts[a.ID] = &cp
	}
	return nil
}

func (s *memStore) ListDeliveryAttempts(ctx context.Context, configID string, limit int) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range s.attempts {
		if a.WebhookConfigID == configID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *memStore) GetDeliveryAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) SaveDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

type memQueue struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	panicFor string
}

func (q *memQueue) Enqueue(ctx context.Context, name string, payload []byte, o queue.Options) (string, error) {
	if q.panicFor != "" && strings.HasSuffix(o.JobID, ":"+q.panicFor) {
		panic("enqueue: nil client")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.jobs == nil {
		q.jobs = map[string]*domain.Job{}
	}
	if _, ok := q.jobs[o.JobID]; !ok {
		q.jobs[o.JobID] = &domain.Job{
			ID: o.JobID, Queue: name, Payload: payload, Priority: o.Priority,
			MaxAttempts: o.MaxAttempts, Backoff: o.Backoff,
		}
	}
	return o.JobID, nil
}

func ptr[T any](v T) *T { return &v }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *memStore, *memQueue) {
	t.Helper()
	s, q := newMemStore(), &memQueue{}
	return NewManager(s, q, zaptest.NewLogger(t), opts...), s, q
}

func TestCreateValidation(t *testing.T) {
	m, _, _ := newTestManager(t, RequireHTTPS(true))
	events := []domain.EventType{domain.EventEnhancementCompleted}
	tests := []struct {
		name  string
		in    ConfigInput
		field string
	}{
		{"missing url", ConfigInput{SubscribedEvents: events}, "url"},
		{"relative url", ConfigInput{URL: ptr("/hook"), SubscribedEvents: events}, "url"},
		{"plain http", ConfigInput{URL: ptr("http://example.com/hook"), SubscribedEvents: events}, "url"},
		{"no events", ConfigInput{URL: ptr("https://example.com/hook")}, "subscribed_events"},
		{"unknown event", ConfigInput{URL: ptr("https://example.com/hook"), SubscribedEvents: []domain.EventType{"run.exploded"}}, "subscribed_events"},
		{"reserved header", ConfigInput{URL: ptr("https://example.com/hook"), SubscribedEvents: events, Headers: map[string]string{"x-signature": "forged"}}, "headers"},
		{"too many attempts", ConfigInput{URL: ptr("https://example.com/hook"), SubscribedEvents: events, RetryPolicy: &domain.RetryPolicy{MaxAttempts: 11}}, "retry_policy.max_attempts"},
		{"shrinking backoff", ConfigInput{URL: ptr("https://example.com/hook"), SubscribedEvents: events, RetryPolicy: &domain.RetryPolicy{BackoffMultiplier: 0.5}}, "retry_policy.backoff_multiplier"},
		{"max below initial", ConfigInput{URL: ptr("https://example.com/hook"), SubscribedEvents: events, RetryPolicy: &domain.RetryPolicy{InitialDelayMs: 5000, MaxDelayMs: 1000}}, "retry_policy.max_delay_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), "owner", tt.in)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("err = %v, want validation error on %s", err, tt.field)
			}
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	m, _, _ := newTestManager(t)
	c, err := m.Create(context.Background(), "owner", ConfigInput{
		URL:              ptr("http://localhost:9000/hook"),
		SubscribedEvents: []domain.EventType{domain.EventEnhancementProgress, domain.EventEnhancementProgress},
		RetryPolicy:      &domain.RetryPolicy{MaxAttempts: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Secret) != 64 || !c.IsActive || len(c.SubscribedEvents) != 1 {
		t.Errorf("config = %+v", c)
	}
	want := domain.RetryPolicy{MaxAttempts: 5, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 30000}
	if c.RetryPolicy != want {
		t.Errorf("policy = %+v", c.RetryPolicy)
	}
}

func TestOwnerScoping(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	c, _ := m.Create(ctx, "alice", ConfigInput{URL: ptr("https://a.example/h"), SubscribedEvents: []domain.EventType{domain.EventEnhancementFailed}})

	if _, err := m.Get(ctx, "bob", c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign get err = %v", err)
	}
	if _, err := m.RotateSecret(ctx, "bob", c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign rotate err = %v", err)
	}
	got, err := m.Get(ctx, "alice", c.ID)
	if err != nil || got.Secret != "" {
		t.Errorf("get = %+v, %v", got, err)
	}
}

func TestRotateSecret(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	c, _ := m.Create(ctx, "alice", ConfigInput{URL: ptr("https://a.example/h"), SubscribedEvents: []domain.EventType{domain.EventEnhancementFailed}})
	secret, err := m.RotateSecret(ctx, "alice", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if secret == c.Secret || s.configs[c.ID].Secret != secret {
		t.Error("secret not rotated")
	}
}

func TestUpdatePartial(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	c, _ := m.Create(ctx, "alice", ConfigInput{URL: ptr("https://a.example/h"), SubscribedEvents: []domain.EventType{domain.EventEnhancementFailed}})
	if _, err := m.Update(ctx, "alice", c.ID, ConfigInput{IsActive: ptr(false)}); err != nil {
		t.Fatal(err)
	}
	stored := s.configs[c.ID]
	if stored.IsActive || stored.URL != "https://a.example/h" || stored.Secret != c.Secret {
		t.Errorf("stored = %+v", stored)
	}
}

func progressEvent(owner string) domain.Event {
	return domain.NewEvent("run-1/export", owner, domain.TierPro, time.Now(), domain.EnhancementProgress{
		RunID: "run-1", DocumentID: "doc-1", Stage: domain.StageExport, Progress: 75,
	})
}

func TestTriggerFansOutIndependently(t *testing.T) {
	m, s, q := newTestManager(t)
	ctx := context.Background()
	var ids []string
	for _, u := range []string{"https://a.example/h", "https://b.example/h", "https://c.example/h"} {
		c, err := m.Create(ctx, "alice", ConfigInput{URL: ptr(u), SubscribedEvents: []domain.EventType{domain.EventEnhancementProgress}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	_, _ = m.Create(ctx, "alice", ConfigInput{URL: ptr("https://d.example/h"), SubscribedEvents: []domain.EventType{domain.EventEnhancementFailed}})
	s.failFor = ids[1]

	e := progressEvent("alice")
	if err := m.TriggerWebhooks(ctx, "alice", e); err == nil {
		t.Fatal("expected the failing target to be reported")
	}
	if len(q.jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(q.jobs))
	}
	for _, id := range []string{ids[0], ids[2]} {
		j, ok := q.jobs["delivery:"+e.ID+":"+id]
		if !ok {
			t.Errorf("no job for %s", id)
			continue
		}
		if j.Queue != DeliveryQueue || j.Priority != 2 || j.MaxAttempts != 3 {
			t.Errorf("job = %+v", j)
		}
	}

	// Replaying the same event schedules nothing new.
	s.failFor = ""
	if err := m.Publish(ctx, e); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 3 || len(s.attempts) != 3 {
		t.Errorf("jobs = %d, attempts = %d", len(q.jobs), len(s.attempts))
	}
	if err := m.Publish(ctx, e); err != nil || len(q.jobs) != 3 {
		t.Errorf("replay scheduled extra jobs: %d, %v", len(q.jobs), err)
	}
}

func TestTriggerSurvivesPanickingTarget(t *testing.T) {
	m, _, q := newTestManager(t)
	ctx := context.Background()
	var ids []string
	for _, u := range []string{"https://a.example/h", "https://b.example/h"} {
		c, err := m.Create(ctx, "alice", ConfigInput{URL: ptr(u), SubscribedEvents: []domain.EventType{domain.EventEnhancementProgress}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	q.panicFor = ids[0]

	e := progressEvent("alice")
	err := m.TriggerWebhooks(ctx, "alice", e)
	if err == nil || !strings.Contains(err.Error(), "panic") || !strings.Contains(err.Error(), ids[0]) {
		t.Fatalf("err = %v, want the panicking target reported", err)
	}
	if _, ok := q.jobs["delivery:"+e.ID+":"+ids[1]]; !ok || len(q.jobs) != 1 {
		t.Errorf("jobs = %v, want only %s", q.jobs, ids[1])
	}
}

func TestTriggerRejectsMismatchedPayload(t *testing.T) {
	m, _, _ := newTestManager(t)
	e := progressEvent("alice")
	e.Type = domain.EventExportCompleted
	var ve *domain.ValidationError
	if err := m.TriggerWebhooks(context.Background(), "alice", e); !errors.As(err, &ve) {
		t.Errorf("err = %v", err)
	}
}
