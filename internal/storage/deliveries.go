package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/docpipe/internal/domain"
)

const attemptColumns = `id, webhook_config_id, event_id, event_type, payload, status, attempt_count,
http_status, error, delivered_at, next_retry_at, created_at, updated_at`

// CreateDeliveryAttempt inserts the lineage record for an (event, config)
// pair. Re-creating an existing lineage is a no-op.
func (s *Store) CreateDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	_, err := s.db.Exec(ctx, `insert into webhook_delivery_attempts(`+attemptColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
on conflict (id) do nothing`,
		a.ID, a.WebhookConfigID, a.EventID, string(a.EventType), a.Payload, string(a.Status),
		a.AttemptCount, a.HTTPStatus, a.Error, a.DeliveredAt, a.NextRetryAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt %s: %w", a.ID, err)
	}
	return nil
}

// SaveDeliveryAttempt records the outcome of the latest attempt.
func (s *Store) SaveDeliveryAttempt(ctx context.Context, a *domain.DeliveryAttempt) error {
	tag, err := s.db.Exec(ctx, `update webhook_delivery_attempts
   set status = $2, attempt_count = $3, http_status = $4, error = $5,
       delivered_at = $6, next_retry_at = $7, updated_at = $8
 where id = $1`,
		a.ID, string(a.Status), a.AttemptCount, a.HTTPStatus, a.Error, a.DeliveredAt, a.NextRetryAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery attempt %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delivery attempt %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) GetDeliveryAttempt(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	row := s.db.QueryRow(ctx, `select `+attemptColumns+` from webhook_delivery_attempts where id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery attempt %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *Store) ListDeliveryAttempts(ctx context.Context, configID string, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `select `+attemptColumns+` from webhook_delivery_attempts
 where webhook_config_id = $1 order by created_at desc limit $2`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()
	var out []domain.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var (
		a                 domain.DeliveryAttempt
		eventType, status string
	)
	if err := row.Scan(&a.ID, &a.WebhookConfigID, &a.EventID, &eventType, &a.Payload, &status,
		&a.AttemptCount, &a.HTTPStatus, &a.Error, &a.DeliveredAt, &a.NextRetryAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.EventType = domain.EventType(eventType)
	a.Status = domain.DeliveryStatus(status)
	return &a, nil
}
