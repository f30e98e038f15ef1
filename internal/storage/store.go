package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/docpipe/internal/domain"
)

// Store is the relational source of truth for runs, webhook configs and the
// delivery log. Every mutation is a single-row statement.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

const runColumns = `id, document_id, user_id, tier, current_stage, stage_history,
overall_status, failure_reason, started_at, completed_at, updated_at`

func (s *Store) CreateRun(ctx context.Context, run *domain.EnhancementRun) error {
	history, err := json.Marshal(run.StageHistory)
	if err != nil {
		return fmt.Errorf("marshal stage history: %w", err)
	}
	_, err = s.db.Exec(ctx, `insert into enhancement_runs(`+runColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.ID, run.DocumentID, run.UserID, string(run.Tier), string(run.CurrentStage), history,
		string(run.OverallStatus), run.FailureReason, run.StartedAt, run.CompletedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.EnhancementRun, error) {
	row := s.db.QueryRow(ctx, `select `+runColumns+` from enhancement_runs where id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// TransitionRun writes run only if the stored current_stage still equals from.
// It reports whether the write happened.
func (s *Store) TransitionRun(ctx context.Context, run *domain.EnhancementRun, from domain.Stage) (bool, error) {
	history, err := json.Marshal(run.StageHistory)
	if err != nil {
		return false, fmt.Errorf("marshal stage history: %w", err)
	}
	tag, err := s.db.Exec(ctx, `update enhancement_runs
   set current_stage = $3,
       stage_history = $4,
       overall_status = $5,
       failure_reason = $6,
       completed_at = $7,
       updated_at = $8
 where id = $1 and current_stage = $2`,
		run.ID, string(from), string(run.CurrentStage), history, string(run.OverallStatus),
		run.FailureReason, run.CompletedAt, run.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("transition run %s: %w", run.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRun(row pgx.Row) (*domain.EnhancementRun, error) {
	var (
		r                   domain.EnhancementRun
		tier, stage, status string
		history             []byte
		completedAt         *time.Time
	)
	if err := row.Scan(&r.ID, &r.DocumentID, &r.UserID, &tier, &stage, &history,
		&status, &r.FailureReason, &r.StartedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Tier = domain.Tier(tier)
	r.CurrentStage = domain.Stage(stage)
	r.OverallStatus = domain.RunStatus(status)
	r.CompletedAt = completedAt
	if err := json.Unmarshal(history, &r.StageHistory); err != nil {
		return nil, fmt.Errorf("run %s: stage history: %w", r.ID, err)
	}
	return &r, nil
}
