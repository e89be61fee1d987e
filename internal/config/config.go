package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	QueueName     string `env:"QUEUE_NAME" envDefault:"email"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`

	// CredentialsKey is the hex-encoded 32-byte key sealing sender passwords at rest.
	CredentialsKey string `env:"CREDENTIALS_KEY,notEmpty"`

	DefaultVT   int `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"60"`
	MaxAttempts int `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase int `env:"BACKOFF_BASE_MS" envDefault:"3000"`
	BackoffMax  int `env:"BACKOFF_MAX_MS" envDefault:"600000"`

	Workers        int `env:"WORKERS" envDefault:"4"`
	LeaseBlockMS   int `env:"LEASE_BLOCK_MS" envDefault:"2000"`
	PollIntervalMS int `env:"POLL_INTERVAL_MS" envDefault:"500"`

	SchedulerTickMS int `env:"SCHEDULER_TICK_MS" envDefault:"1000"`
	SchedulerBatch  int `env:"SCHEDULER_BATCH" envDefault:"500"`

	SMTPHost       string `env:"SMTP_HOST" envDefault:"smtp.gmail.com"`
	SMTPPort       int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPTimeoutSec int    `env:"SMTP_TIMEOUT_SEC" envDefault:"30"`
	SMTPTLS        string `env:"SMTP_TLS" envDefault:"mandatory"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env")
	}
	if err := c.check(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) check() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.New("DEFAULT_MAX_ATTEMPTS must be at least 1")
	case c.BackoffBase <= 0:
		return errors.New("BACKOFF_BASE_MS must be positive")
	case c.BackoffMax < c.BackoffBase:
		return errors.New("BACKOFF_MAX_MS must not be below BACKOFF_BASE_MS")
	case c.DefaultVT <= 0:
		return errors.New("DEFAULT_VISIBILITY_TIMEOUT_SEC must be positive")
	case c.Workers < 1:
		return errors.New("WORKERS must be at least 1")
	case c.SMTPTimeoutSec >= c.DefaultVT:
		return errors.New("SMTP_TIMEOUT_SEC must be below DEFAULT_VISIBILITY_TIMEOUT_SEC")
	}
	switch c.SMTPTLS {
	case "mandatory", "opportunistic", "none":
	default:
		return errors.Errorf("SMTP_TLS must be mandatory, opportunistic or none, got %q", c.SMTPTLS)
	}
	return nil
}

func (c Config) Visibility() time.Duration { return time.Duration(c.DefaultVT) * time.Second }
func (c Config) Backoff() (base, maxDelay time.Duration) {
	return time.Duration(c.BackoffBase) * time.Millisecond, time.Duration(c.BackoffMax) * time.Millisecond
}
func (c Config) LeaseBlock() time.Duration    { return time.Duration(c.LeaseBlockMS) * time.Millisecond }
func (c Config) PollInterval() time.Duration  { return time.Duration(c.PollIntervalMS) * time.Millisecond }
func (c Config) SchedulerTick() time.Duration { return time.Duration(c.SchedulerTickMS) * time.Millisecond }
func (c Config) SMTPTimeout() time.Duration   { return time.Duration(c.SMTPTimeoutSec) * time.Second }
