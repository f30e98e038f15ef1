package domain

import (
	"math"
	"time"
)

type Status string

const (
	Waiting   Status = "waiting"
	Active    Status = "active"
	Delayed   Status = "delayed"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Terminal reports whether no worker will pick the job up again.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Backoff describes the exponential retry schedule of a job.
type Backoff struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultBackoff is used when a job is enqueued without an explicit schedule.
var DefaultBackoff = Backoff{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

// Delay returns min(initial * multiplier^(attempt-1), max). Attempts are 1-based.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Priority    int
	Attempts    int
	MaxAttempts int
	Backoff     Backoff
	Status      Status
	Progress    int
	Error       string
	Result      []byte
	CreatedAt   time.Time
	NextRunAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// AttemptsLeft reports whether another claim is allowed after the current one.
func (j *Job) AttemptsLeft() bool { return j.Attempts < j.MaxAttempts }
