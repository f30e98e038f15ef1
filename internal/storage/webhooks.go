package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/docpipe/internal/domain"
)

const configColumns = `id, owner_id, url, secret, subscribed_events, headers,
max_attempts, initial_delay_ms, backoff_multiplier, max_delay_ms, is_active, created_at, updated_at`

func (s *Store) CreateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error {
	headers, err := json.Marshal(c.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = s.db.Exec(ctx, `insert into webhook_configs(`+configColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.OwnerID, c.URL, c.Secret, eventStrings(c.SubscribedEvents), headers,
		c.RetryPolicy.MaxAttempts, c.RetryPolicy.InitialDelayMs, c.RetryPolicy.BackoffMultiplier,
		c.RetryPolicy.MaxDelayMs, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook config: %w", err)
	}
	return nil
}

func (s *Store) GetWebhookConfig(ctx context.Context, id string) (*domain.WebhookConfig, error) {
	row := s.db.QueryRow(ctx, `select `+configColumns+` from webhook_configs where id = $1`, id)
	c, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook config %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListWebhookConfigs(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error) {
	return s.queryConfigs(ctx, `select `+configColumns+` from webhook_configs
 where owner_id = $1 order by created_at`, ownerID)
}

// ListSubscribedConfigs returns the active configs of owner subscribed to t.
func (s *Store) ListSubscribedConfigs(ctx context.Context, ownerID string, t domain.EventType) ([]domain.WebhookConfig, error) {
	return s.queryConfigs(ctx, `select `+configColumns+` from webhook_configs
 where owner_id = $1 and is_active and $2 = any(subscribed_events) order by created_at`, ownerID, string(t))
}

func (s *Store) UpdateWebhookConfig(ctx context.Context, c *domain.WebhookConfig) error {
	headers, err := json.Marshal(c.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	tag, err := s.db.Exec(ctx, `update webhook_configs
   set url = $3, secret = $4, subscribed_events = $5, headers = $6,
       max_attempts = $7, initial_delay_ms = $8, backoff_multiplier = $9, max_delay_ms = $10,
       is_active = $11, updated_at = $12
 where id = $1 and owner_id = $2`,
		c.ID, c.OwnerID, c.URL, c.Secret, eventStrings(c.SubscribedEvents), headers,
		c.RetryPolicy.MaxAttempts, c.RetryPolicy.InitialDelayMs, c.RetryPolicy.BackoffMultiplier,
		c.RetryPolicy.MaxDelayMs, c.IsActive, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update webhook config %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook config %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteWebhookConfig(ctx context.Context, ownerID, id string) error {
	tag, err := s.db.Exec(ctx, `delete from webhook_configs where id = $1 and owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete webhook config %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook config %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) queryConfigs(ctx context.Context, sql string, args ...any) ([]domain.WebhookConfig, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook configs: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConfig(row pgx.Row) (*domain.WebhookConfig, error) {
	var (
		c       domain.WebhookConfig
		events  []string
		headers []byte
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.URL, &c.Secret, &events, &headers,
		&c.RetryPolicy.MaxAttempts, &c.RetryPolicy.InitialDelayMs, &c.RetryPolicy.BackoffMultiplier,
		&c.RetryPolicy.MaxDelayMs, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	for _, e := range events {
		c.SubscribedEvents = append(c.SubscribedEvents, domain.EventType(e))
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &c.Headers); err != nil {
			return nil, fmt.Errorf("webhook config %s: headers: %w", c.ID, err)
		}
	}
	return &c, nil
}

func eventStrings(events []domain.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}
