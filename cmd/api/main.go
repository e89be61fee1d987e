package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/mailq/internal/api"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/logging"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/secret"
	"github.com/SirClappington/mailq/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.AppEnv, "api")
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := storage.Migrate(ctx, cfg.PostgresDSN); err != nil {
			return err
		}
	}
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

	store := storage.New(db, sealer)
	q := queue.NewDurable(store, queue.NewRedisQ(rdb, cfg.QueueName), log, queue.DurableConfig{
		Visibility: cfg.Visibility(),
		Block:      cfg.LeaseBlock(),
	})
	base, maxDelay := cfg.Backoff()
	h := api.NewHandler(q, store, log, api.JobDefaults{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: base,
		BackoffMax:  maxDelay,
	})

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}
