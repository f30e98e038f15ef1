package domain

import "time"

// RetryPolicy is stored per webhook config and copied onto every delivery job.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       3,
	InitialDelayMs:    1000,
	BackoffMultiplier: 2,
	MaxDelayMs:        30000,
}

func (p RetryPolicy) Backoff() Backoff {
	return Backoff{
		InitialDelay: time.Duration(p.InitialDelayMs) * time.Millisecond,
		Multiplier:   p.BackoffMultiplier,
		MaxDelay:     time.Duration(p.MaxDelayMs) * time.Millisecond,
	}
}

type WebhookConfig struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	URL              string            `json:"url"`
	Secret           string            `json:"secret,omitempty"`
	SubscribedEvents []EventType       `json:"subscribed_events"`
	Headers          map[string]string `json:"headers,omitempty"`
	RetryPolicy      RetryPolicy       `json:"retry_policy"`
	IsActive         bool              `json:"is_active"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (c *WebhookConfig) Subscribed(t EventType) bool {
	for _, e := range c.SubscribedEvents {
		if e == t {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt is the audit record of one (event, config) delivery lineage.
// It is mutated on every attempt rather than duplicated.
type DeliveryAttempt struct {
	ID              string         `json:"id"`
	WebhookConfigID string         `json:"webhook_config_id"`
	EventID         string         `json:"event_id"`
	EventType       EventType      `json:"event_type"`
	Payload         []byte         `json:"payload"`
	Status          DeliveryStatus `json:"status"`
	AttemptCount    int            `json:"attempt_count"`
	HTTPStatus      *int           `json:"http_status,omitempty"`
	Error           *string        `json:"error,omitempty"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
