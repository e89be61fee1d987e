package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/logging"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/scheduler"
	"github.com/SirClappington/mailq/internal/secret"
	"github.com/SirClappington/mailq/internal/storage"
)

// leaderKey is the pg advisory lock id shared by all scheduler replicas.
const leaderKey = 42

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.AppEnv, "scheduler")
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("scheduler exited", zap.Error(err))
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

	s := scheduler.New(
		storage.New(db, sealer),
		queue.NewRedisQ(rdb, cfg.QueueName),
		scheduler.NewAdvisoryLock(db, leaderKey),
		log,
		scheduler.Config{Tick: cfg.SchedulerTick(), Batch: cfg.SchedulerBatch},
	)
	return s.Run(ctx)
}
