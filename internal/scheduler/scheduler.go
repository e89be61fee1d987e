// Package scheduler keeps the Redis wake-up list in step with Postgres:
// due retries become ready, expired leases are recovered, and queued rows
// lost from Redis are pushed again.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/queue"
)

type Store interface {
	PromoteDue(ctx context.Context, limit int) ([]string, error)
	RequeueExpired(ctx context.Context, limit int) ([]string, error)
	ListQueued(ctx context.Context, limit int) ([]string, error)
}

// Locker elects a single active scheduler.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type Config struct {
	Tick  time.Duration
	Batch int
}

type Scheduler struct {
	store Store
	rq    *queue.RedisQ
	lock  Locker
	log   *zap.Logger
	cfg   Config
	now   func() time.Time
}

func New(store Store, rq *queue.RedisQ, lock Locker, log *zap.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	return &Scheduler{store: store, rq: rq, lock: lock, log: log, cfg: cfg, now: time.Now}
}

func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	defer func() {
		if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("releasing scheduler lock", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			ok, err := s.lock.TryLock(ctx)
			if err != nil {
				s.log.Error("lock error", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if err := s.Cycle(ctx); err != nil {
				s.log.Error("scheduler cycle", zap.Error(err))
			}
		}
	}
}

// Cycle runs one promotion, recovery and reconcile pass. Steps are
// independent; a failing step does not skip the others.
func (s *Scheduler) Cycle(ctx context.Context) error {
	var errs error

	due, err := s.rq.DueDelayed(ctx, s.now(), int64(s.cfg.Batch))
	errs = multierr.Append(errs, err)
	promoted, err := s.store.PromoteDue(ctx, s.cfg.Batch)
	errs = multierr.Append(errs, err)
	if ids := union(promoted, due); len(ids) > 0 {
		errs = multierr.Append(errs, s.rq.Promote(ctx, ids))
		s.log.Debug("promoted delayed jobs", zap.Int("count", len(ids)))
	}

	requeued, err := s.store.RequeueExpired(ctx, s.cfg.Batch)
	errs = multierr.Append(errs, err)
	if len(requeued) > 0 {
		errs = multierr.Append(errs, s.rq.Push(ctx, requeued...))
		s.log.Info("recovered expired leases", zap.Strings("job_ids", requeued))
	}

	errs = multierr.Append(errs, s.reconcile(ctx))
	return errs
}

// reconcile refills an empty ready list from Postgres, which covers a Redis
// restart or a push that failed after the insert committed.
func (s *Scheduler) reconcile(ctx context.Context) error {
	n, err := s.rq.Len(ctx)
	if err != nil || n > 0 {
		return err
	}
	ids, err := s.store.ListQueued(ctx, s.cfg.Batch)
	if err != nil || len(ids) == 0 {
		return err
	}
	s.log.Info("reconciled queued jobs", zap.Int("count", len(ids)))
	return s.rq.Push(ctx, ids...)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
