package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/backoff"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/dispatch"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/logging"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/secret"
	"github.com/SirClappington/mailq/internal/storage"
	"github.com/SirClappington/mailq/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.AppEnv, "worker")
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sealer, err := secret.NewSealer(cfg.CredentialsKey)
	if err != nil {
		return err
	}
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	q := queue.NewDurable(storage.New(db, sealer), queue.NewRedisQ(rdb, cfg.QueueName), log, queue.DurableConfig{
		Visibility: cfg.Visibility(),
		Block:      cfg.LeaseBlock(),
	})
	smtp := transport.NewSMTP(transport.SMTPConfig{
		Host:    cfg.SMTPHost,
		Port:    cfg.SMTPPort,
		Timeout: cfg.SMTPTimeout(),
		TLS:     cfg.SMTPTLS,
	}, log)
	dialer := dispatch.DialerFunc(func(ctx context.Context, sender domain.Sender) (dispatch.Session, error) {
		s, err := smtp.Open(ctx, sender)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	base, maxDelay := cfg.Backoff()
	d := dispatch.New(q, dialer, log, dispatch.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval(),
		Policy:       backoff.Policy{Base: base, Max: maxDelay},
	})
	return d.Run(ctx)
}
