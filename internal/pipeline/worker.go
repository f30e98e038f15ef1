package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/queue"
)

// ProgressReporter stores the in-flight percent of a job.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, jobID string, percent int) error
}

// StageWorker is the queue handler for stage jobs. It executes the stage and
// reports the outcome back to the orchestrator.
type StageWorker struct {
	orch      *Orchestrator
	executors map[domain.Stage]Executor
	progress  ProgressReporter
	log       *zap.Logger
	now       func() time.Time
}

func NewStageWorker(orch *Orchestrator, executors map[domain.Stage]Executor, progress ProgressReporter, log *zap.Logger) *StageWorker {
	return &StageWorker{orch: orch, executors: executors, progress: progress, log: log, now: time.Now}
}

func (w *StageWorker) Handle(ctx context.Context, job *domain.Job) ([]byte, error) {
	var p StagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, domain.Terminal(fmt.Errorf("decode stage payload: %w", err))
	}
	exec, ok := w.executors[p.Stage]
	if !ok {
		return nil, domain.Terminal(fmt.Errorf("no executor for stage %q", p.Stage))
	}
	run, err := w.orch.GetRunStatus(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	log := w.log.With(zap.String("run_id", run.ID), zap.String("stage", string(p.Stage)), zap.String("job_id", job.ID))

	// The stage already advanced (an earlier attempt finished but its job
	// was not acked) or the run was cancelled.
	if run.CurrentStage != p.Stage {
		log.Info("run is past this stage", zap.String("current", string(run.CurrentStage)))
		return nil, w.orch.Replay(ctx, run, p.Stage)
	}

	req := StageRequest{
		RunID:      run.ID,
		DocumentID: run.DocumentID,
		UserID:     run.UserID,
		Tier:       run.Tier,
		Stage:      p.Stage,
		Inputs:     run.Outputs(),
	}
	out, err := exec.Execute(ctx, req, func(pct int) {
		if perr := w.progress.UpdateProgress(ctx, job.ID, pct); perr != nil {
			log.Debug("progress update failed", zap.Error(perr))
		}
	})
	// The attempt's context may already be past its deadline; the run must
	// still be moved on or frozen.
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		if queue.Plan(job, err, w.now()).Retry {
			log.Warn("stage attempt failed", zap.Int("attempt", job.Attempts), zap.Error(err))
			return nil, err
		}
		if ferr := w.orch.StageFailed(bctx, run.ID, p.Stage, err.Error()); ferr != nil {
			return nil, fmt.Errorf("record stage failure: %w", ferr)
		}
		return nil, err
	}

	if err := w.orch.StageSucceeded(bctx, run.ID, p.Stage, out); err != nil {
		return nil, fmt.Errorf("advance run: %w", err)
	}
	return json.Marshal(out)
}
