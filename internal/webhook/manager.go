// Package webhook manages subscriber endpoints and fans pipeline events out to
// them as independent delivery jobs.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/queue"
)

// DeliveryQueue is the queue delivery jobs are enqueued on.
const DeliveryQueue = "webhook.delivery"

type ConfigStore interface {
	CreateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error
	GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error)
	ListWebhookConfigs(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error)
	ListSubscribedConfigs(ctx context.Context, ownerID string, t domain.EventType) ([]domain.WebhookConfig, error)
	UpdateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error
	DeleteWebhookConfig(ctx context.Context, ownerID, id string) error
	CreateDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, configID string, limit int) ([]domain.DeliveryAttempt, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, o queue.Options) (string, error)
}

// DeliveryPayload is the body of a delivery job. The event body itself lives
// on the attempt record.
type DeliveryPayload struct {
	AttemptID string `json:"attempt_id"`
}

// reservedHeaders are set by the delivery worker and cannot be overridden.
var reservedHeaders = []string{HeaderEvent, HeaderSignature, HeaderTimestamp, HeaderDeliveryID, "Content-Type"}

type Manager struct {
	store        ConfigStore
	jobs         Enqueuer
	requireHTTPS bool
	log          *zap.Logger
	now          func() time.Time
}

type Option func(*Manager)

func RequireHTTPS(on bool) Option { return func(m *Manager) { m.requireHTTPS = on } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(store ConfigStore, jobs Enqueuer, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{store: store, jobs: jobs, log: log, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ConfigInput carries the fields of a create or update. Nil fields are left
// unchanged on update and defaulted on create.
type ConfigInput struct {
	URL              *string             `json:"url"`
	SubscribedEvents []domain.EventType  `json:"subscribed_events"`
	Headers          map[string]string   `json:"headers"`
	RetryPolicy      *domain.RetryPolicy `json:"retry_policy"`
	IsActive         *bool               `json:"is_active"`
}

// Create registers a webhook. The returned config is the only place the
// generated secret is shown besides RotateSecret.
func (m *Manager) Create(ctx context.Context, ownerID string, in ConfigInput) (*domain.WebhookConfig, error) {
	if ownerID == "" {
		return nil, domain.Invalid("owner_id", "required")
	}
	if in.URL == nil {
		return nil, domain.Invalid("url", "required")
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	c := &domain.WebhookConfig{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Secret:      secret,
		RetryPolicy: domain.DefaultRetryPolicy,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.apply(c, in, true); err != nil {
		return nil, err
	}
	if err := m.store.CreateWebhookConfig(ctx, c); err != nil {
		return nil, err
	}
	m.log.Info("webhook created", zap.String("webhook_id", c.ID), zap.String("owner_id", ownerID))
	return c, nil
}

func (m *Manager) Get(ctx context.Context, ownerID, id string) (*domain.WebhookConfig, error) {
	c, err := m.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	c.Secret = ""
	return c, nil
}

func (m *Manager) List(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error) {
	cs, err := m.store.ListWebhookConfigs(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range cs {
		cs[i].Secret = ""
	}
	return cs, nil
}

func (m *Manager) Update(ctx context.Context, ownerID, id string, in ConfigInput) (*domain.WebhookConfig, error) {
	c, err := m.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := m.apply(c, in, false); err != nil {
		return nil, err
	}
	c.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateWebhookConfig(ctx, c); err != nil {
		return nil, err
	}
	c.Secret = ""
	return c, nil
}

func (m *Manager) Delete(ctx context.Context, ownerID, id string) error {
	return m.store.DeleteWebhookConfig(ctx, ownerID, id)
}

// RotateSecret replaces the signing secret. The old secret stops working
// immediately, including for deliveries already queued.
func (m *Manager) RotateSecret(ctx context.Context, ownerID, id string) (string, error) {
	c, err := m.owned(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	secret, err := newSecret()
	if err != nil {
		return "", err
	}
	c.Secret = secret
	c.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateWebhookConfig(ctx, c); err != nil {
		return "", err
	}
	m.log.Info("webhook secret rotated", zap.String("webhook_id", id), zap.String("owner_id", ownerID))
	return secret, nil
}

// ListDeliveries returns the newest delivery records of a config.
func (m *Manager) ListDeliveries(ctx context.Context, ownerID, configID string, limit int) ([]domain.DeliveryAttempt, error) {
	if _, err := m.owned(ctx, ownerID, configID); err != nil {
		return nil, err
	}
	return m.store.ListDeliveryAttempts(ctx, configID, limit)
}

// Publish lets the manager act as a pipeline event consumer.
func (m *Manager) Publish(ctx context.Context, e domain.Event) error {
	return m.TriggerWebhooks(ctx, e.OwnerID, e)
}

// TriggerWebhooks schedules one delivery per active subscribed config. Targets
// are handled independently: every target is attempted and the failures are
// combined.
func (m *Manager) TriggerWebhooks(ctx context.Context, ownerID string, e domain.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	configs, err := m.store.ListSubscribedConfigs(ctx, ownerID, e.Type)
	if err != nil {
		return fmt.Errorf("list subscribers of %s: %w", e.Type, err)
	}
	if len(configs) == 0 {
		return nil
	}
	body, err := e.MarshalEnvelope()
	if err != nil {
		return err
	}

	errs := make([]error, len(configs))
	var g errgroup.Group
	for i := range configs {
		i := i
		c := &configs[i]
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("webhook %s: panic: %v", c.ID, r)
					m.log.Error("fan-out panic", zap.String("webhook_id", c.ID),
						zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				}
			}()
			if err := m.schedule(ctx, c, e, body); err != nil {
				errs[i] = fmt.Errorf("webhook %s: %w", c.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err = multierr.Combine(errs...)
	if err != nil {
		m.log.Warn("webhook fan-out incomplete", zap.String("event_id", e.ID),
			zap.String("event", string(e.Type)), zap.Error(err))
	}
	return err
}

func (m *Manager) schedule(ctx context.Context, c *domain.WebhookConfig, e domain.Event, body []byte) error {
	now := m.now().UTC()
	a := &domain.DeliveryAttempt{
		ID:              domain.DeriveID("delivery", e.ID, c.ID),
		WebhookConfigID: c.ID,
		EventID:         e.ID,
		EventType:       e.Type,
		Payload:         body,
		Status:          domain.DeliveryPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateDeliveryAttempt(ctx, a); err != nil {
		return err
	}
	payload, err := json.Marshal(DeliveryPayload{AttemptID: a.ID})
	if err != nil {
		return err
	}
	_, err = m.jobs.Enqueue(ctx, DeliveryQueue, payload, queue.Options{
		JobID:       "delivery:" + e.ID + ":" + c.ID,
		Priority:    e.Tier.Priority(),
		MaxAttempts: c.RetryPolicy.MaxAttempts,
		Backoff:     c.RetryPolicy.Backoff(),
	})
	return err
}

func (m *Manager) owned(ctx context.Context, ownerID, id string) (*domain.WebhookConfig, error) {
	c, err := m.store.GetWebhookConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, fmt.Errorf("webhook config %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (m *Manager) apply(c *domain.WebhookConfig, in ConfigInput, create bool) error {
	if in.URL != nil {
		if err := m.validateURL(*in.URL); err != nil {
			return err
		}
		c.URL = *in.URL
	}
	if in.SubscribedEvents != nil || create {
		if len(in.SubscribedEvents) == 0 {
			return domain.Invalid("subscribed_events", "at least one event type is required")
		}
		seen := map[domain.EventType]bool{}
		var events []domain.EventType
		for _, t := range in.SubscribedEvents {
			if !t.Known() {
				return domain.Invalid("subscribed_events", "unknown event type %q", t)
			}
			if !seen[t] {
				seen[t] = true
				events = append(events, t)
			}
		}
		c.SubscribedEvents = events
	}
	if in.Headers != nil {
		for k := range in.Headers {
			canon := http.CanonicalHeaderKey(k)
			for _, r := range reservedHeaders {
				if canon == r {
					return domain.Invalid("headers", "%s is reserved", r)
				}
			}
		}
		c.Headers = in.Headers
	}
	if in.RetryPolicy != nil {
		p, err := normalizePolicy(*in.RetryPolicy)
		if err != nil {
			return err
		}
		c.RetryPolicy = p
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}
	return nil
}

func (m *Manager) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return domain.Invalid("url", "must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if m.requireHTTPS {
			return domain.Invalid("url", "https is required")
		}
	default:
		return domain.Invalid("url", "unsupported scheme %q", u.Scheme)
	}
	return nil
}

// normalizePolicy fills zero fields from the default policy and enforces bounds.
func normalizePolicy(p domain.RetryPolicy) (domain.RetryPolicy, error) {
	d := domain.DefaultRetryPolicy
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelayMs == 0 {
		p.InitialDelayMs = d.InitialDelayMs
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.MaxDelayMs == 0 {
		p.MaxDelayMs = d.MaxDelayMs
	}
	switch {
	case p.MaxAttempts < 1 || p.MaxAttempts > 10:
		return p, domain.Invalid("retry_policy.max_attempts", "must be between 1 and 10")
	case p.InitialDelayMs < 0:
		return p, domain.Invalid("retry_policy.initial_delay_ms", "must not be negative")
	case p.BackoffMultiplier < 1:
		return p, domain.Invalid("retry_policy.backoff_multiplier", "must be at least 1")
	case p.MaxDelayMs < p.InitialDelayMs:
		return p, domain.Invalid("retry_policy.max_delay_ms", "must not be below initial_delay_ms")
	}
	return p, nil
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
