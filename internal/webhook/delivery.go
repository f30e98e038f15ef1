package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/metrics"
	"github.com/SirClappington/docpipe/internal/queue"
)

// Doer is the outbound HTTP client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type DeliveryStore interface {
	GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error)
	GetDeliveryAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	SaveDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error
}

// Verdict classifies one delivery attempt.
type Verdict int

const (
	Delivered Verdict = iota
	Retry
	Reject
)

// Classify maps a response status or transport error to a verdict: 2xx is
// delivered, 4xx is rejected for good, everything else is retried.
func Classify(status int, err error) Verdict {
	switch {
	case err != nil:
		return Retry
	case status >= 200 && status < 300:
		return Delivered
	case status >= 400 && status < 500:
		return Reject
	}
	return Retry
}

const excerptLimit = 512

// Deliverer is the queue handler for delivery jobs.
type Deliverer struct {
	store   DeliveryStore
	client  Doer
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

type DelivererOption func(*Deliverer)

func WithTimeout(d time.Duration) DelivererOption { return func(w *Deliverer) { w.timeout = d } }

func WithDelivererClock(now func() time.Time) DelivererOption {
	return func(w *Deliverer) { w.now = now }
}

func NewDeliverer(store DeliveryStore, client Doer, log *zap.Logger, opts ...DelivererOption) *Deliverer {
	w := &Deliverer{store: store, client: client, timeout: 10 * time.Second, log: log, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Deliverer) Handle(ctx context.Context, job *domain.Job) ([]byte, error) {
	var p DeliveryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, domain.Terminal(fmt.Errorf("decode delivery payload: %w", err))
	}
	a, err := w.store.GetDeliveryAttempt(ctx, p.AttemptID)
	if err != nil {
		return nil, err
	}
	if a.Status == domain.DeliveryDelivered || a.Status == domain.DeliveryFailed {
		return nil, nil
	}
	log := w.log.With(zap.String("delivery_id", a.ID), zap.String("webhook_id", a.WebhookConfigID),
		zap.String("event", string(a.EventType)), zap.Int("attempt", job.Attempts))

	cfg, err := w.store.GetWebhookConfig(ctx, a.WebhookConfigID)
	if errors.Is(err, domain.ErrNotFound) {
		err = errors.New("webhook config deleted")
		cfg = nil
	} else if err != nil {
		return nil, err
	}
	if cfg != nil && !cfg.IsActive {
		cfg, err = nil, errors.New("webhook config disabled")
	}
	if cfg == nil {
		w.record(ctx, log, job, a, 0, domain.Terminal(err))
		return nil, domain.Terminal(err)
	}

	start := w.now()
	status, excerpt, sendErr := w.send(ctx, cfg, a, start.UTC())
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	var deliveryErr error
	switch Classify(status, sendErr) {
	case Delivered:
	case Reject:
		deliveryErr = domain.Terminal(fmt.Errorf("endpoint rejected delivery with %d: %s", status, excerpt))
	default:
		if sendErr != nil {
			deliveryErr = sendErr
		} else {
			deliveryErr = fmt.Errorf("endpoint answered %d: %s", status, excerpt)
		}
	}
	w.record(ctx, log, job, a, status, deliveryErr)
	return nil, deliveryErr
}

func (w *Deliverer) send(ctx context.Context, cfg *domain.WebhookConfig, a *domain.DeliveryAttempt, ts time.Time) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(a.Payload))
	if err != nil {
		return 0, "", domain.Terminal(err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(a.EventType))
	req.Header.Set(HeaderSignature, Sign(a.Payload, cfg.Secret, ts))
	req.Header.Set(HeaderTimestamp, ts.Format(time.RFC3339))
	req.Header.Set(HeaderDeliveryID, a.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, "", errTimeout
		}
		return 0, "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, excerptLimit))
	return resp.StatusCode, string(bytes.TrimSpace(b)), nil
}

var errTimeout = errors.New("timeout")

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// record persists the outcome of the attempt. A failed write is logged; the
// job outcome stands on its own.
func (w *Deliverer) record(ctx context.Context, log *zap.Logger, job *domain.Job, a *domain.DeliveryAttempt, status int, deliveryErr error) {
	now := w.now().UTC()
	a.AttemptCount = job.Attempts
	a.UpdatedAt = now
	a.HTTPStatus = nil
	if status > 0 {
		a.HTTPStatus = &status
	}
	a.NextRetryAt = nil

	if deliveryErr == nil {
		a.Status = domain.DeliveryDelivered
		a.Error = nil
		a.DeliveredAt = &now
		log.Info("webhook delivered", zap.Int("status", status))
	} else {
		msg := deliveryErr.Error()
		a.Error = &msg
		if plan := queue.Plan(job, deliveryErr, now); plan.Retry {
			a.Status = domain.DeliveryRetrying
			a.NextRetryAt = &plan.NextRunAt
			log.Warn("webhook delivery will retry", zap.Int("status", status),
				zap.Duration("delay", plan.Delay), zap.Error(deliveryErr))
		} else {
			a.Status = domain.DeliveryFailed
			log.Error("webhook delivery failed", zap.Int("status", status), zap.Error(deliveryErr))
		}
	}
	metrics.WebhookDeliveries.WithLabelValues(string(a.Status)).Inc()

	if err := w.store.SaveDeliveryAttempt(context.WithoutCancel(ctx), a); err != nil {
		log.Error("save delivery attempt", zap.Error(err))
	}
}
