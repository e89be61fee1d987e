// Package dispatch runs the worker pool that delivers leased jobs.
//
// A job is processed in one pass over its recipients that are not yet sent.
// Every successful send is recorded before the next one starts, so a retry
// (or a crash and lease recovery) never sends to the same recipient twice.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/mailq/internal/backoff"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/transport"
)

// Queue is what a worker needs from the durable queue.
type Queue interface {
	Lease(ctx context.Context, worker string) (*domain.Job, error)
	MarkSent(ctx context.Context, j *domain.Job, recipient string) error
	// Touch extends the lease; ErrLeaseLost means another worker may own the job.
	Touch(ctx context.Context, j *domain.Job) error
	AckSuccess(ctx context.Context, j *domain.Job) error
	AckRetry(ctx context.Context, j *domain.Job, delay time.Duration, cause error) (domain.State, error)
	AckFatal(ctx context.Context, j *domain.Job, cause error) error
	Release(ctx context.Context, j *domain.Job) error
}

type Session interface {
	Send(ctx context.Context, m transport.Message) error
	Close() error
}

// Dialer opens a transport session with one sender's credentials.
type Dialer interface {
	Open(ctx context.Context, sender domain.Sender) (Session, error)
}

type DialerFunc func(ctx context.Context, sender domain.Sender) (Session, error)

func (f DialerFunc) Open(ctx context.Context, sender domain.Sender) (Session, error) {
	return f(ctx, sender)
}

type Config struct {
	// Name prefixes worker ids; defaults to hostname-pid.
	Name    string
	Workers int
	// PollInterval is the minimum spacing between Lease calls that return
	// nothing. Time a blocking Lease already waited counts towards it.
	PollInterval time.Duration
	// Policy applies to jobs that carry no backoff of their own.
	Policy backoff.Policy
}

type Dispatcher struct {
	q       Queue
	dialer  Dialer
	log     *zap.Logger
	cfg     Config
	results chan<- Result
}

type Option func(*Dispatcher)

// WithResults forwards every processing result to ch. Sends never block; a
// full channel drops the result.
func WithResults(ch chan<- Result) Option {
	return func(d *Dispatcher) { d.results = ch }
}

func New(q Queue, dialer Dialer, log *zap.Logger, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Name == "" {
		host, _ := os.Hostname()
		cfg.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Policy.Base <= 0 {
		cfg.Policy = backoff.Policy{Base: domain.DefaultBackoffBase, Max: domain.DefaultBackoffMax}
	}
	d := &Dispatcher{q: q, dialer: dialer, log: log, cfg: cfg}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current job.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", d.cfg.Name, i)
		g.Go(func() error {
			d.work(ctx, worker)
			return nil
		})
	}
	d.log.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))
	err := g.Wait()
	d.log.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker string) {
	log := d.log.With(zap.String("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		j, err := d.q.Lease(ctx, worker)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("lease failed", zap.Error(err))
			_ = backoff.Sleep(ctx, d.cfg.PollInterval)
			continue
		}
		if j == nil {
			_ = backoff.Sleep(ctx, d.cfg.PollInterval-time.Since(start))
			continue
		}
		// the pass runs to completion even if shutdown starts mid-job
		jobCtx := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			if err := d.q.Release(jobCtx, j); err != nil {
				log.Warn("release on shutdown failed", zap.String("job_id", j.ID), zap.Error(err))
			}
			return
		}
		d.emit(d.Process(jobCtx, worker, j))
	}
}

func (d *Dispatcher) emit(res Result) {
	if d.results == nil {
		return
	}
	select {
	case d.results <- res:
	default:
	}
}

// Process delivers one leased job and reports the outcome to the queue. It
// never panics; a panic while sending counts as a transient failure.
func (d *Dispatcher) Process(ctx context.Context, worker string, j *domain.Job) (res Result) {
	res = Result{JobID: j.ID, Worker: worker, Attempt: j.AttemptCount, Failed: map[string]transport.Kind{}}
	log := d.log.With(zap.String("job_id", j.ID), zap.Int("attempt", j.AttemptCount), zap.String("worker", worker))
	defer func() {
		if p := recover(); p != nil {
			log.Error("job processing panicked", zap.Any("panic", p), zap.Stack("stack"))
			res = d.retryRecovered(ctx, log, j, res, errors.Errorf("panic: %v", p))
		}
	}()
	j.FillRecipientStatus()

	if err := j.Validate(); err != nil {
		return d.fatal(ctx, log, j, res, err)
	}

	sess, err := d.dialer.Open(ctx, j.Sender)
	if err != nil {
		if kind := transport.KindOf(err); !kind.Retryable() {
			return d.fatal(ctx, log, j, res, fmt.Errorf("%w: %w", domain.ErrFatalDelivery, err))
		}
		return d.retry(ctx, log, j, res, errors.Wrap(err, "open session"))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("closing session", zap.Error(err))
		}
	}()

	var failures error
	retryable := false
	for _, rcpt := range j.Pending() {
		err := sess.Send(ctx, transport.Message{From: j.Sender.From, To: rcpt, Subject: j.Subject, Body: j.Body})
		if err != nil {
			kind := transport.KindOf(err)
			j.RecipientStatus[rcpt] = domain.RecipientFailed
			res.Failed[rcpt] = kind
			retryable = retryable || kind.Retryable()
			failures = multierr.Append(failures, errors.Wrapf(err, "recipient %s", rcpt))
			log.Warn("recipient failed", zap.String("recipient", rcpt), zap.Stringer("kind", kind), zap.Error(err))
			if err := d.q.Touch(ctx, j); err != nil {
				if errors.Is(err, domain.ErrLeaseLost) {
					log.Error("lease lost mid-pass, abandoning job", zap.String("recipient", rcpt))
					res.Outcome, res.Err = OutcomeLeaseLost, err
					return res
				}
				log.Warn("extending lease failed", zap.Error(err))
			}
			continue
		}
		j.RecipientStatus[rcpt] = domain.RecipientSent
		res.Sent = append(res.Sent, rcpt)
		if err := d.q.MarkSent(ctx, j, rcpt); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				log.Error("lease lost mid-pass, abandoning job", zap.String("recipient", rcpt))
				res.Outcome, res.Err = OutcomeLeaseLost, err
				return res
			}
			// the final ack carries the sent mark as well
			log.Warn("recording sent recipient failed", zap.String("recipient", rcpt), zap.Error(err))
		}
	}

	switch {
	case j.AllSent():
		if err := d.q.AckSuccess(ctx, j); err != nil {
			return d.ackFailed(log, res, err)
		}
		res.Outcome, res.State = OutcomeCompleted, domain.Completed
		log.Info("job completed", zap.Int("recipients", len(j.Recipients)))
		return res
	case retryable:
		return d.retry(ctx, log, j, res, fmt.Errorf("%w: %w", domain.ErrTransientDelivery, failures))
	default:
		return d.fatal(ctx, log, j, res, fmt.Errorf("%w: %w", domain.ErrFatalDelivery, failures))
	}
}

func (d *Dispatcher) retry(ctx context.Context, log *zap.Logger, j *domain.Job, res Result, cause error) Result {
	policy := d.cfg.Policy
	if j.BackoffBase > 0 {
		policy = backoff.Policy{Base: j.BackoffBase, Max: j.BackoffMax}
	}
	delay := policy.Delay(j.AttemptCount)
	st, err := d.q.AckRetry(ctx, j, delay, cause)
	if err != nil {
		return d.ackFailed(log, res, err)
	}
	res.State = st
	if st == domain.Dead {
		res.Outcome = OutcomeDead
		res.Err = fmt.Errorf("%w after %d attempts: %w", domain.ErrExhaustedRetries, j.AttemptCount, cause)
		log.Error("job dead-lettered, retries exhausted", zap.Error(cause))
		return res
	}
	res.Outcome, res.Delay, res.Err = OutcomeRetrying, delay, cause
	log.Warn("job scheduled for retry", zap.Duration("delay", delay), zap.Error(cause))
	return res
}

// retryRecovered acks a pass that panicked. If the ack panics as well the job
// stays leased until its lease expires.
func (d *Dispatcher) retryRecovered(ctx context.Context, log *zap.Logger, j *domain.Job, res Result, cause error) (out Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("acknowledging panicked job panicked", zap.Any("panic", p))
			res.Outcome, res.Err = OutcomeAckFailed, errors.Wrapf(cause, "ack panic: %v", p)
			out = res
		}
	}()
	return d.retry(ctx, log, j, res, cause)
}

func (d *Dispatcher) fatal(ctx context.Context, log *zap.Logger, j *domain.Job, res Result, cause error) Result {
	if err := d.q.AckFatal(ctx, j, cause); err != nil {
		return d.ackFailed(log, res, err)
	}
	res.Outcome, res.State, res.Err = OutcomeDead, domain.Dead, cause
	log.Error("job dead-lettered", zap.Error(cause))
	return res
}

// ackFailed leaves the job leased; lease expiry hands it to another worker.
func (d *Dispatcher) ackFailed(log *zap.Logger, res Result, err error) Result {
	res.Outcome, res.Err = OutcomeAckFailed, err
	if errors.Is(err, domain.ErrLeaseLost) {
		res.Outcome = OutcomeLeaseLost
	}
	log.Error("acknowledging job failed", zap.Error(err))
	return res
}
