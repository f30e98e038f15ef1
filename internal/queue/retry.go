package queue

import (
	"time"

	"github.com/SirClappington/docpipe/internal/domain"
)

// Outcome is the scheduling decision for a failed attempt.
type Outcome struct {
	Retry     bool
	Delay     time.Duration
	NextRunAt time.Time
}

// Plan decides what happens to job after it failed with err at now. It is
// pure so handlers can record the same decision the queue will apply.
func Plan(job *domain.Job, err error, now time.Time) Outcome {
	if !domain.IsRetryable(err) || !job.AttemptsLeft() {
		return Outcome{}
	}
	d := job.Backoff.Delay(job.Attempts)
	return Outcome{Retry: true, Delay: d, NextRunAt: now.Add(d)}
}
