package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/docpipe/internal/api"
	"github.com/SirClappington/docpipe/internal/app"
	"github.com/SirClappington/docpipe/internal/config"
	"github.com/SirClappington/docpipe/internal/live"
	"github.com/SirClappington/docpipe/internal/ratelimit"
)

func main() {
	cfg := config.MustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, "api")
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	policy := ratelimit.DefaultPolicy()
	if cfg.RateLimit.PolicyFile != "" {
		if policy, err = ratelimit.LoadPolicyFile(cfg.RateLimit.PolicyFile); err != nil {
			a.Log.Fatal("load rate limit policy", zap.Error(err))
		}
	}
	limiter := ratelimit.New(ratelimit.NewRedisStore(a.Redis), policy, a.Log.Named("ratelimit"),
		ratelimit.FailClosed(cfg.RateLimit.FailClosed),
		ratelimit.RecordDenied(cfg.RateLimit.RecordDenied),
	)

	srv := api.New(api.Deps{
		Runs:     a.Orchestrator,
		Jobs:     a.Queue,
		Webhooks: a.Webhooks,
		Live:     live.NewStreamer(a.Redis, a.Orchestrator, a.Log.Named("live")),
		Limiter:  limiter,
		Checks:   a.Checks(),
		Log:      a.Log,
	})
	if err := api.Run(ctx, cfg.APIAddr, srv.Routes(), a.Log); err != nil {
		a.Log.Error("http server stopped", zap.Error(err))
	}
}
