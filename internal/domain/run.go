package domain

import "time"

type Stage string

const (
	StageAnalysis    Stage = "analysis"
	StageEnhancement Stage = "enhancement"
	StageExport      Stage = "export"
	StageComplete    Stage = "complete"
	StageFailed      Stage = "failed"
)

// ExecutableStages lists the stages that run as jobs, in pipeline order.
var ExecutableStages = []Stage{StageAnalysis, StageEnhancement, StageExport}

// Rank orders stages: analysis < enhancement < export < complete. Failed and
// unknown stages rank -1.
func (s Stage) Rank() int {
	switch s {
	case StageAnalysis:
		return 0
	case StageEnhancement:
		return 1
	case StageExport:
		return 2
	case StageComplete:
		return 3
	}
	return -1
}

// Next returns the stage that follows a successful s.
func (s Stage) Next() Stage {
	switch s {
	case StageAnalysis:
		return StageEnhancement
	case StageEnhancement:
		return StageExport
	case StageExport:
		return StageComplete
	}
	return StageFailed
}

func (s Stage) Terminal() bool { return s == StageComplete || s == StageFailed }

func (s Stage) Executable() bool { return s.Rank() >= 0 && s != StageComplete }

// Progress is the overall completion percent reported when a run enters s.
func (s Stage) Progress() int {
	switch s {
	case StageEnhancement:
		return 25
	case StageExport:
		return 75
	case StageComplete:
		return 100
	}
	return 0
}

type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierBasic     Tier = "basic"
	TierPro       Tier = "pro"
	TierPremium   Tier = "premium"
)

// ParseTier maps unknown or empty values to TierAnonymous.
func ParseTier(s string) Tier {
	switch t := Tier(s); t {
	case TierFree, TierBasic, TierPro, TierPremium:
		return t
	}
	return TierAnonymous
}

// Priority maps a tier to a fixed queue priority. Lower runs first.
func (t Tier) Priority() int {
	switch t {
	case TierPremium:
		return 1
	case TierPro:
		return 2
	case TierBasic:
		return 3
	}
	return 4
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageSucceeded StageStatus = "succeeded"
	StageErrored   StageStatus = "failed"
)

type StageRecord struct {
	Stage          Stage             `json:"stage"`
	Status         StageStatus       `json:"status"`
	JobID          string            `json:"job_id,omitempty"`
	OutputLocation string            `json:"output_location,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// EnhancementRun tracks one document submission through the pipeline.
type EnhancementRun struct {
	ID            string        `json:"id"`
	DocumentID    string        `json:"document_id"`
	UserID        string        `json:"user_id"`
	Tier          Tier          `json:"tier"`
	CurrentStage  Stage         `json:"current_stage"`
	StageHistory  []StageRecord `json:"stage_history"`
	OverallStatus RunStatus     `json:"overall_status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Record returns the latest history entry for stage, or nil.
func (r *EnhancementRun) Record(stage Stage) *StageRecord {
	for i := len(r.StageHistory) - 1; i >= 0; i-- {
		if r.StageHistory[i].Stage == stage {
			return &r.StageHistory[i]
		}
	}
	return nil
}

// Outputs collects output locations of succeeded stages, keyed by stage.
func (r *EnhancementRun) Outputs() map[string]string {
	out := map[string]string{}
	for _, rec := range r.StageHistory {
		if rec.Status == StageSucceeded && rec.OutputLocation != "" {
			out[string(rec.Stage)] = rec.OutputLocation
		}
	}
	return out
}

// Clone deep-copies the run so callers can mutate it before a compare-and-set.
func (r *EnhancementRun) Clone() *EnhancementRun {
	c := *r
	c.StageHistory = make([]StageRecord, len(r.StageHistory))
	for i, rec := range r.StageHistory {
		if rec.Metadata != nil {
			md := make(map[string]string, len(rec.Metadata))
			for k, v := range rec.Metadata {
				md[k] = v
			}
			rec.Metadata = md
		}
		c.StageHistory[i] = rec
	}
	return &c
}
