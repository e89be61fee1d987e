package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/storage"
)

// Durable pairs the Postgres store (records, leases) with the Redis list
// (wake-ups). The conditional claim in Postgres is what guarantees a job is
// never leased twice at once.
type Durable struct {
	store      *storage.Store
	rq         *RedisQ
	log        *zap.Logger
	visibility time.Duration
	block      time.Duration
	now        func() time.Time
}

type DurableConfig struct {
	// Visibility is how long a lease survives without a heartbeat.
	Visibility time.Duration
	// Block bounds how long Lease waits on Redis for a ready id.
	Block time.Duration
}

func NewDurable(store *storage.Store, rq *RedisQ, log *zap.Logger, cfg DurableConfig) *Durable {
	if cfg.Visibility <= 0 {
		cfg.Visibility = time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &Durable{store: store, rq: rq, log: log, visibility: cfg.Visibility, block: cfg.Block, now: time.Now}
}

// Enqueue persists the job and signals workers. The job is durable once the
// insert commits; a failed Redis push is repaired by the scheduler.
func (q *Durable) Enqueue(ctx context.Context, j *domain.Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	id, err := q.store.InsertJob(ctx, j)
	if err != nil {
		return "", err
	}
	if err := q.rq.Push(ctx, id); err != nil {
		q.log.Warn("job persisted but not signalled", zap.String("job_id", id), zap.Error(err))
	}
	return id, nil
}

// Lease waits up to the block timeout for a ready id it can claim. Stale ids
// are skipped without giving up the remaining wait. A nil job means nothing
// was claimable.
func (q *Durable) Lease(ctx context.Context, worker string) (*domain.Job, error) {
	deadline := q.now().Add(q.block)
	for {
		wait := deadline.Sub(q.now())
		if wait <= 0 {
			return nil, nil
		}
		id, err := q.rq.Pop(ctx, wait)
		if err != nil || id == "" {
			return nil, err
		}
		j, err := q.store.ClaimJob(ctx, id, worker, q.visibility)
		if err != nil || j != nil {
			return j, err
		}
		q.log.Debug("skipped unclaimable id", zap.String("job_id", id))
	}
}

func (q *Durable) MarkSent(ctx context.Context, j *domain.Job, recipient string) error {
	return q.store.MarkSent(ctx, j, recipient, q.visibility)
}

// Touch is the lease heartbeat between recipient sends.
func (q *Durable) Touch(ctx context.Context, j *domain.Job) error {
	return q.store.Touch(ctx, j, q.visibility)
}

func (q *Durable) AckSuccess(ctx context.Context, j *domain.Job) error {
	return q.store.Complete(ctx, j)
}

func (q *Durable) AckRetry(ctx context.Context, j *domain.Job, delay time.Duration, cause error) (domain.State, error) {
	runAt := q.now().Add(delay)
	st, err := q.store.Retry(ctx, j, runAt, errString(cause))
	if err != nil {
		return "", err
	}
	if st == domain.Delayed {
		if err := q.rq.Delay(ctx, j.ID, runAt); err != nil {
			q.log.Warn("delayed job not indexed in redis", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	return st, nil
}

func (q *Durable) AckFatal(ctx context.Context, j *domain.Job, cause error) error {
	return q.store.Kill(ctx, j, deadReason(cause), errString(cause))
}

func (q *Durable) Release(ctx context.Context, j *domain.Job) error {
	if err := q.store.Release(ctx, j); err != nil {
		return err
	}
	return q.rq.Push(ctx, j.ID)
}

func (q *Durable) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Durable) List(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error) {
	return q.store.ListJobs(ctx, state, limit)
}

func deadReason(cause error) domain.DeadReason {
	if errors.Is(cause, domain.ErrValidation) {
		return domain.DeadValidation
	}
	return domain.DeadFatal
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
