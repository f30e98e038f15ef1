package queue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/docpipe/internal/domain"
)

func newJobID() string { return uuid.NewString() }

func parseJob(f map[string]string) (*domain.Job, error) {
	var (
		j   domain.Job
		err error
	)
	j.ID = f["id"]
	j.Queue = f["queue"]
	j.Payload = []byte(f["payload"])
	j.Status = domain.Status(f["status"])
	j.Error = f["error"]
	if v := f["result"]; v != "" {
		j.Result = []byte(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"priority", &j.Priority},
		{"attempts", &j.Attempts},
		{"max_attempts", &j.MaxAttempts},
		{"progress", &j.Progress},
	}
	for _, i := range ints {
		if *i.dst, err = atoi(f, i.key); err != nil {
			return nil, err
		}
	}

	initial, err := atoi(f, "backoff_initial_ms")
	if err != nil {
		return nil, err
	}
	maxDelay, err := atoi(f, "backoff_max_ms")
	if err != nil {
		return nil, err
	}
	mult := 1.0
	if v := f["backoff_multiplier"]; v != "" {
		if mult, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("job %s: backoff_multiplier: %w", j.ID, err)
		}
	}
	j.Backoff = domain.Backoff{
		InitialDelay: time.Duration(initial) * time.Millisecond,
		Multiplier:   mult,
		MaxDelay:     time.Duration(maxDelay) * time.Millisecond,
	}

	times := []struct {
		key string
		dst *time.Time
	}{
		{"created_at", &j.CreatedAt},
		{"next_run_at", &j.NextRunAt},
		{"updated_at", &j.UpdatedAt},
	}
	for _, t := range times {
		if *t.dst, err = millis(f, t.key); err != nil {
			return nil, err
		}
	}
	if f["finished_at"] != "" {
		fin, err := millis(f, "finished_at")
		if err != nil {
			return nil, err
		}
		j.FinishedAt = &fin
	}
	return &j, nil
}

func atoi(f map[string]string, key string) (int, error) {
	v := f[key]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("job %s: %s: %w", f["id"], key, err)
	}
	return n, nil
}

func millis(f map[string]string, key string) (time.Time, error) {
	v := f[key]
	if v == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("job %s: %s: %w", f["id"], key, err)
	}
	return time.UnixMilli(n).UTC(), nil
}
