// Package pipeline advances an enhancement run through its stages. Transitions
// happen only in stage-job callbacks and are guarded by a compare-and-set on
// the run's current stage, so duplicate callbacks are harmless.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/metrics"
	"github.com/SirClappington/docpipe/internal/queue"
)

// RunStore persists runs with per-row compare-and-set semantics.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.EnhancementRun) error
	GetRun(ctx context.Context, id string) (*domain.EnhancementRun, error)
	TransitionRun(ctx context.Context, run *domain.EnhancementRun, from domain.Stage) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte, o queue.Options) (string, error)
}

// StageJob configures how jobs of one stage are enqueued.
type StageJob struct {
	Queue       string
	MaxAttempts int
	Backoff     domain.Backoff
}

// QueueName is the default queue of a stage.
func QueueName(s domain.Stage) string { return "stage." + string(s) }

// JobID is deterministic per run and stage so re-enqueueing is a no-op.
func JobID(runID string, s domain.Stage) string { return runID + ":" + string(s) }

// ParseJobID splits a stage job ID back into its run and stage.
func ParseJobID(id string) (runID string, s domain.Stage, ok bool) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 {
		return "", "", false
	}
	s = domain.Stage(id[i+1:])
	if !s.Executable() {
		return "", "", false
	}
	return id[:i], s, true
}

// StagePayload is the body of every stage job.
type StagePayload struct {
	RunID string       `json:"run_id"`
	Stage domain.Stage `json:"stage"`
}

// StageOutput is what an executor reports for a finished stage.
type StageOutput struct {
	Location string            `json:"location"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var ErrRunFinished = errors.New("run already finished")

type Orchestrator struct {
	runs   RunStore
	jobs   Enqueuer
	events EventPublisher
	stages map[domain.Stage]StageJob
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Orchestrator)

// WithStageJob overrides the queue settings for one stage.
func WithStageJob(s domain.Stage, j StageJob) Option {
	return func(o *Orchestrator) { o.stages[s] = j }
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(runs RunStore, jobs Enqueuer, events EventPublisher, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runs:   runs,
		jobs:   jobs,
		events: events,
		stages: map[domain.Stage]StageJob{},
		log:    log,
		now:    time.Now,
	}
	for _, s := range domain.ExecutableStages {
		o.stages[s] = StageJob{Queue: QueueName(s), MaxAttempts: 3, Backoff: domain.DefaultBackoff}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit creates a run at the analysis stage and enqueues its first job.
// Admission control happens before this call.
func (o *Orchestrator) Submit(ctx context.Context, documentID, userID string, tier domain.Tier) (string, error) {
	if documentID == "" {
		return "", domain.Invalid("document_id", "required")
	}
	if userID == "" {
		return "", domain.Invalid("user_id", "required")
	}
	now := o.now().UTC()
	run := &domain.EnhancementRun{
		ID:            uuid.NewString(),
		DocumentID:    documentID,
		UserID:        userID,
		Tier:          tier,
		CurrentStage:  domain.StageAnalysis,
		OverallStatus: domain.RunRunning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	run.StageHistory = []domain.StageRecord{{
		Stage:     domain.StageAnalysis,
		Status:    domain.StagePending,
		JobID:     JobID(run.ID, domain.StageAnalysis),
		StartedAt: now,
	}}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := o.enqueueStage(ctx, run, domain.StageAnalysis); err != nil {
		if ferr := o.fail(ctx, run.ID, domain.StageAnalysis, "could not schedule analysis"); ferr != nil {
			o.log.Error("mark unscheduled run failed", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return "", err
	}

	log := o.log.With(zap.String("run_id", run.ID), zap.String("document_id", documentID))
	log.Info("run submitted", zap.String("tier", string(tier)))
	o.publishAll(ctx, log, domain.NewEvent(run.ID, userID, tier, now, domain.EnhancementStarted{
		RunID: run.ID, DocumentID: documentID, Tier: tier,
	}))
	return run.ID, nil
}

func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (*domain.EnhancementRun, error) {
	return o.runs.GetRun(ctx, runID)
}

// StageSucceeded records the output of stage and advances the run. A callback
// for a stage the run has already left only replays idempotent side effects.
func (o *Orchestrator) StageSucceeded(ctx context.Context, runID string, stage domain.Stage, out StageOutput) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.CurrentStage != stage {
		return o.Replay(ctx, run, stage)
	}

	now := o.now().UTC()
	target := stage.Next()
	next := run.Clone()
	next.CurrentStage = target
	next.UpdatedAt = now
	rec := next.Record(stage)
	if rec == nil {
		next.StageHistory = append(next.StageHistory, domain.StageRecord{Stage: stage, StartedAt: now})
		rec = &next.StageHistory[len(next.StageHistory)-1]
	}
	rec.Status = domain.StageSucceeded
	rec.OutputLocation = out.Location
	rec.Metadata = out.Metadata
	rec.FinishedAt = &now

	if target == domain.StageComplete {
		next.OverallStatus = domain.RunCompleted
		next.CompletedAt = &now
	} else {
		next.StageHistory = append(next.StageHistory, domain.StageRecord{
			Stage:     target,
			Status:    domain.StagePending,
			JobID:     JobID(run.ID, target),
			StartedAt: now,
		})
	}

	ok, err := o.runs.TransitionRun(ctx, next, stage)
	if err != nil {
		return err
	}
	if !ok {
		current, err := o.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return o.Replay(ctx, current, stage)
	}
	metrics.StageTransitions.WithLabelValues(string(stage), string(target)).Inc()
	o.log.Info("stage succeeded", zap.String("run_id", runID), zap.String("stage", string(stage)),
		zap.String("next", string(target)), zap.String("output", out.Location))
	return o.afterSuccess(ctx, next, stage)
}

// Replay re-applies the side effects of a success of stage when the run sits
// exactly on the stage that success produced. Job and event IDs are derived
// from the run, so repeated calls enqueue and publish nothing new.
func (o *Orchestrator) Replay(ctx context.Context, run *domain.EnhancementRun, stage domain.Stage) error {
	if run.CurrentStage != stage.Next() || run.CurrentStage == domain.StageFailed {
		o.log.Debug("ignoring stale stage callback", zap.String("run_id", run.ID),
			zap.String("stage", string(stage)), zap.String("current", string(run.CurrentStage)))
		return nil
	}
	return o.afterSuccess(ctx, run, stage)
}

func (o *Orchestrator) afterSuccess(ctx context.Context, run *domain.EnhancementRun, stage domain.Stage) error {
	target := run.CurrentStage
	if target.Executable() {
		if err := o.enqueueStage(ctx, run, target); err != nil {
			return err
		}
	}

	rec := run.Record(stage)
	var at time.Time
	if rec != nil && rec.FinishedAt != nil {
		at = *rec.FinishedAt
	} else {
		at = run.UpdatedAt
	}
	var events []domain.Event
	emit := func(key string, data domain.EventData) {
		events = append(events, domain.NewEvent(key, run.UserID, run.Tier, at, data))
	}
	if stage == domain.StageAnalysis && rec != nil {
		emit(run.ID, domain.DocumentAnalyzed{
			RunID: run.ID, DocumentID: run.DocumentID, OutputLocation: rec.OutputLocation, Metadata: rec.Metadata,
		})
	}
	if target == domain.StageComplete {
		if rec != nil {
			emit(run.ID, domain.ExportCompleted{
				RunID: run.ID, DocumentID: run.DocumentID, Location: rec.OutputLocation, Metadata: rec.Metadata,
			})
		}
		emit(run.ID, domain.EnhancementCompleted{RunID: run.ID, DocumentID: run.DocumentID, Outputs: run.Outputs()})
	} else {
		emit(run.ID+"/"+string(target), domain.EnhancementProgress{
			RunID: run.ID, DocumentID: run.DocumentID, Stage: target, Progress: target.Progress(),
		})
	}
	return o.publishEach(ctx, events)
}

// StageFailed freezes the run at failed. Nothing further is enqueued.
func (o *Orchestrator) StageFailed(ctx context.Context, runID string, stage domain.Stage, reason string) error {
	return o.fail(ctx, runID, stage, reason)
}

// JobAbandoned fails the run of a stage job the queue gave up on without a
// worker reporting back, e.g. when its last lease expired. Other jobs are
// ignored.
func (o *Orchestrator) JobAbandoned(ctx context.Context, queueName, jobID, reason string) error {
	if !strings.HasPrefix(queueName, "stage.") {
		return nil
	}
	runID, stage, ok := ParseJobID(jobID)
	if !ok || QueueName(stage) != queueName {
		o.log.Warn("abandoned job is not a stage job", zap.String("queue", queueName), zap.String("job_id", jobID))
		return nil
	}
	return o.fail(ctx, runID, stage, reason)
}

// Cancel is the external path to failed: it stops further stages from being
// enqueued. A stage job already running is left to finish and its callback is
// ignored.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	for i := 0; i < 3; i++ {
		run, err := o.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.CurrentStage.Terminal() {
			return fmt.Errorf("run %s is %s: %w", runID, run.CurrentStage, ErrRunFinished)
		}
		done, err := o.transitionFailed(ctx, run, run.CurrentStage, reason)
		if err != nil || done {
			return err
		}
	}
	return fmt.Errorf("cancel run %s: too much contention", runID)
}

func (o *Orchestrator) fail(ctx context.Context, runID string, stage domain.Stage, reason string) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.CurrentStage != stage {
		o.log.Debug("ignoring stale failure callback", zap.String("run_id", runID),
			zap.String("stage", string(stage)), zap.String("current", string(run.CurrentStage)))
		return nil
	}
	_, err = o.transitionFailed(ctx, run, stage, reason)
	return err
}

func (o *Orchestrator) transitionFailed(ctx context.Context, run *domain.EnhancementRun, stage domain.Stage, reason string) (bool, error) {
	now := o.now().UTC()
	next := run.Clone()
	next.CurrentStage = domain.StageFailed
	next.OverallStatus = domain.RunFailed
	next.FailureReason = reason
	next.CompletedAt = &now
	next.UpdatedAt = now
	if rec := next.Record(stage); rec != nil {
		rec.Status = domain.StageErrored
		rec.Error = reason
		rec.FinishedAt = &now
	}

	ok, err := o.runs.TransitionRun(ctx, next, stage)
	if err != nil || !ok {
		return false, err
	}
	metrics.StageTransitions.WithLabelValues(string(stage), string(domain.StageFailed)).Inc()
	log := o.log.With(zap.String("run_id", run.ID), zap.String("stage", string(stage)))
	log.Warn("run failed", zap.String("reason", reason))
	return true, o.publishEach(ctx, []domain.Event{domain.NewEvent(run.ID, run.UserID, run.Tier, now, domain.EnhancementFailed{
		RunID: run.ID, DocumentID: run.DocumentID, Stage: stage, Reason: reason,
	})})
}

func (o *Orchestrator) enqueueStage(ctx context.Context, run *domain.EnhancementRun, s domain.Stage) error {
	cfg, ok := o.stages[s]
	if !ok {
		return fmt.Errorf("no queue configured for stage %s", s)
	}
	payload, err := json.Marshal(StagePayload{RunID: run.ID, Stage: s})
	if err != nil {
		return err
	}
	_, err = o.jobs.Enqueue(ctx, cfg.Queue, payload, queue.Options{
		JobID:       JobID(run.ID, s),
		Priority:    run.Tier.Priority(),
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for run %s: %w", s, run.ID, err)
	}
	return nil
}

func (o *Orchestrator) publishEach(ctx context.Context, events []domain.Event) error {
	var err error
	for _, e := range events {
		if perr := o.events.Publish(ctx, e); perr != nil {
			err = multierr.Append(err, fmt.Errorf("publish %s: %w", e.Type, perr))
		}
	}
	return err
}

// publishAll is used where a publish failure must not undo the caller's work.
func (o *Orchestrator) publishAll(ctx context.Context, log *zap.Logger, events ...domain.Event) {
	if err := o.publishEach(ctx, events); err != nil {
		log.Error("event publish failed", zap.Error(err))
	}
}
