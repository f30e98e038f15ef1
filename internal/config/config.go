package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
	Queue     Queue     `envPrefix:"QUEUE_"`
	Stages    Stages    `envPrefix:"STAGE_"`
	Webhook   Webhook   `envPrefix:"WEBHOOK_"`
	Scheduler Scheduler `envPrefix:"SCHEDULER_"`
}

type RateLimit struct {
	PolicyFile   string `env:"POLICY_FILE"`
	FailClosed   bool   `env:"FAIL_CLOSED" envDefault:"false"`
	RecordDenied bool   `env:"RECORD_DENIED" envDefault:"true"`
}

type Queue struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Lease        time.Duration `env:"LEASE" envDefault:"10m"`
	Retention    time.Duration `env:"RETENTION" envDefault:"168h"`
}

// Pool sizes one queue's worker pool and its governor.
type Pool struct {
	Workers     int           `env:"WORKERS" envDefault:"4"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"4"`
	RateMax     int           `env:"RATE_MAX" envDefault:"0"`
	RateWindow  time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"5m"`
}

type Stages struct {
	AnalysisURL    string `env:"ANALYSIS_URL" envDefault:"http://localhost:9101/analyze"`
	EnhancementURL string `env:"ENHANCEMENT_URL" envDefault:"http://localhost:9102/enhance"`
	ExportURL      string `env:"EXPORT_URL" envDefault:"http://localhost:9103/export"`

	Analysis    Pool `envPrefix:"ANALYSIS_"`
	Enhancement Pool `envPrefix:"ENHANCEMENT_"`
	Export      Pool `envPrefix:"EXPORT_"`
}

type Webhook struct {
	RequireHTTPS bool          `env:"REQUIRE_HTTPS"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxAge       time.Duration `env:"SIGNATURE_MAX_AGE" envDefault:"5m"`
	Delivery     Pool          `envPrefix:"DELIVERY_"`
}

type Scheduler struct {
	Interval   time.Duration `env:"INTERVAL" envDefault:"1s"`
	LockKey    int64         `env:"LOCK_KEY" envDefault:"42"`
	PruneBatch int64         `env:"PRUNE_BATCH" envDefault:"500"`
}

func (c Config) Production() bool { return c.AppEnv == "production" }

// Load parses the environment. HTTPS for webhook targets is required in
// production unless WEBHOOK_REQUIRE_HTTPS says otherwise.
func Load() (Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if c.Production() && !hasEnv(opts, "WEBHOOK_REQUIRE_HTTPS") {
		c.Webhook.RequireHTTPS = true
	}
	if err := c.checkLease(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// checkLease makes sure a handler gives up before the reaper hands its job to
// another worker.
func (c Config) checkLease() error {
	pools := map[string]Pool{
		"STAGE_ANALYSIS":    c.Stages.Analysis,
		"STAGE_ENHANCEMENT": c.Stages.Enhancement,
		"STAGE_EXPORT":      c.Stages.Export,
		"WEBHOOK_DELIVERY":  c.Webhook.Delivery,
	}
	for name, p := range pools {
		if p.Timeout >= c.Queue.Lease {
			return fmt.Errorf("%s_TIMEOUT (%s) must be shorter than QUEUE_LEASE (%s)", name, p.Timeout, c.Queue.Lease)
		}
	}
	return nil
}

func hasEnv(opts env.Options, key string) bool {
	if opts.Environment != nil {
		_, ok := opts.Environment[key]
		return ok
	}
	_, ok := os.LookupEnv(key)
	return ok
}

func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
