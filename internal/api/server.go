// Package api is the HTTP surface: run submission and status, webhook
// management and the live run stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/domain"
	"github.com/SirClappington/docpipe/internal/pipeline"
	"github.com/SirClappington/docpipe/internal/ratelimit"
	"github.com/SirClappington/docpipe/internal/webhook"
)

// Rate limit endpoint classes.
const (
	EndpointSubmit   = "submit"
	EndpointRead     = "read"
	EndpointWebhooks = "webhooks"
)

type Runs interface {
	Submit(ctx context.Context, documentID, userID string, tier domain.Tier) (string, error)
	GetRunStatus(ctx context.Context, runID string) (*domain.EnhancementRun, error)
	Cancel(ctx context.Context, runID, reason string) error
}

type Jobs interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

type Webhooks interface {
	Create(ctx context.Context, ownerID string, in webhook.ConfigInput) (*domain.WebhookConfig, error)
	List(ctx context.Context, ownerID string) ([]domain.WebhookConfig, error)
	Get(ctx context.Context, ownerID, id string) (*domain.WebhookConfig, error)
	Update(ctx context.Context, ownerID, id string, in webhook.ConfigInput) (*domain.WebhookConfig, error)
	Delete(ctx context.Context, ownerID, id string) error
	RotateSecret(ctx context.Context, ownerID, id string) (string, error)
	ListDeliveries(ctx context.Context, ownerID, configID string, limit int) ([]domain.DeliveryAttempt, error)
}

type LiveStream interface {
	Serve(w http.ResponseWriter, r *http.Request, runID string)
}

// Deps wires the server. Live and Limiter are optional.
type Deps struct {
	Runs     Runs
	Jobs     Jobs
	Webhooks Webhooks
	Live     LiveStream
	Limiter  *ratelimit.Limiter
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]func(context.Context) error
	Log    *zap.Logger
}

type Server struct {
	Deps
}

func New(d Deps) *Server { return &Server{Deps: d} }

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.limit(EndpointSubmit), requireUser).
			Post("/documents/{documentID}/enhance", s.submit)

		r.Group(func(r chi.Router) {
			r.Use(s.limit(EndpointRead), requireUser)
			r.Get("/runs/{runID}", s.getRun)
			r.Post("/runs/{runID}/cancel", s.cancelRun)
			r.Get("/runs/{runID}/live", s.liveRun)
			r.Get("/jobs/{jobID}", s.getJob)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(s.limit(EndpointWebhooks), requireUser)
			r.Post("/", s.createWebhook)
			r.Get("/", s.listWebhooks)
			r.Get("/{id}", s.getWebhook)
			r.Patch("/{id}", s.updateWebhook)
			r.Delete("/{id}", s.deleteWebhook)
			r.Post("/{id}/rotate-secret", s.rotateSecret)
			r.Get("/{id}/deliveries", s.listDeliveries)
		})
	})
	return r
}

func (s *Server) limit(endpoint string) func(http.Handler) http.Handler {
	if s.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(s.Limiter, endpoint, subject)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := map[string]string{}, http.StatusOK
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

// Run wraps ListenAndServe with graceful shutdown on ctx.
func Run(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var _ Runs = (*pipeline.Orchestrator)(nil)
var _ Webhooks = (*webhook.Manager)(nil)
