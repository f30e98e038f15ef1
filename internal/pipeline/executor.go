package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SirClappington/docpipe/internal/domain"
)

// StageRequest is what an executor receives for one stage job.
type StageRequest struct {
	RunID      string            `json:"run_id"`
	DocumentID string            `json:"document_id"`
	UserID     string            `json:"user_id"`
	Tier       domain.Tier       `json:"tier"`
	Stage      domain.Stage      `json:"stage"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// Executor performs the work of one stage. Errors wrapped with
// domain.Terminal are not retried.
type Executor interface {
	Execute(ctx context.Context, req StageRequest, progress func(percent int)) (StageOutput, error)
}

type ExecutorFunc func(ctx context.Context, req StageRequest, progress func(percent int)) (StageOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, req StageRequest, progress func(int)) (StageOutput, error) {
	return f(ctx, req, progress)
}

// HTTPExecutor delegates a stage to a collaborator service that answers
// {"success": bool, "output": {...}, "error": "..."}.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPExecutor{url: url, client: &http.Client{Timeout: timeout}}
}

type stageResponse struct {
	Success bool        `json:"success"`
	Output  StageOutput `json:"output"`
	Error   string      `json:"error"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, req StageRequest, progress func(int)) (StageOutput, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return StageOutput{}, domain.Terminal(err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return StageOutput{}, domain.Terminal(err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	progress(10)

	resp, err := e.client.Do(hreq)
	if err != nil {
		return StageOutput{}, fmt.Errorf("%s executor: %w", req.Stage, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return StageOutput{}, fmt.Errorf("%s executor: read response: %w", req.Stage, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return StageOutput{}, fmt.Errorf("%s executor: status %d", req.Stage, resp.StatusCode)
	case resp.StatusCode >= 400:
		return StageOutput{}, domain.Terminal(fmt.Errorf("%s executor: status %d: %s", req.Stage, resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var out stageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return StageOutput{}, fmt.Errorf("%s executor: decode response: %w", req.Stage, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "stage reported failure"
		}
		return StageOutput{}, domain.Terminal(errors.New(msg))
	}
	progress(100)
	return out.Output, nil
}
