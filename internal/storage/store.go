package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/secret"
)

// Store is the source of truth for job records. Redis only carries ids.
type Store struct {
	db     *pgxpool.Pool
	sealer *secret.Sealer
}

func New(db *pgxpool.Pool, sealer *secret.Sealer) *Store { return &Store{db: db, sealer: sealer} }

const jobColumns = `id::text, sender_from, sender_user, sender_secret, recipients, subject, body,
attempt_count, max_attempts, backoff_base_ms, backoff_max_ms, recipient_status, state, run_at,
coalesce(lease_token, ''), coalesce(leased_by, ''), lease_expires_at, last_error, dead_reason,
created_at, updated_at`

// clears the lease columns in an UPDATE
const clearLease = `lease_token = null, leased_by = null, lease_expires_at = null, updated_at = now()`

// mergeStatus writes the worker's recipient statuses from param without ever
// downgrading a recipient already recorded as sent.
func mergeStatus(param string) string {
	return `recipient_status = ` + param + `::jsonb || coalesce((
       select jsonb_object_agg(e.key, e.value) from jsonb_each(jobs.recipient_status) e
        where e.value = '"sent"'::jsonb), '{}'::jsonb)`
}

// InsertJob persists a validated job in queued state and returns its id.
func (s *Store) InsertJob(ctx context.Context, j *domain.Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	sealed, err := s.sealer.Seal(j.ID, j.Sender.Password)
	if err != nil {
		return "", err
	}
	status, err := json.Marshal(j.RecipientStatus)
	if err != nil {
		return "", errors.Wrap(err, "encode recipient status")
	}
	row := s.db.QueryRow(ctx, `insert into jobs(
id, sender_from, sender_user, sender_secret, recipients, subject, body,
attempt_count, max_attempts, backoff_base_ms, backoff_max_ms, recipient_status, state, run_at
) values ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,$11::jsonb,'queued',now())
returning created_at, updated_at, run_at`,
		j.ID, j.Sender.From, j.Sender.Username, sealed, j.Recipients, j.Subject, j.Body,
		j.MaxAttempts, j.BackoffBase.Milliseconds(), j.BackoffMax.Milliseconds(), string(status),
	)
	if err := row.Scan(&j.CreatedAt, &j.UpdatedAt, &j.RunAt); err != nil {
		return "", errors.Wrap(err, "insert job")
	}
	j.State = domain.Queued
	return j.ID, nil
}

// ClaimJob atomically leases one job if it is claimable, counting the attempt.
// It returns nil when another worker got there first or the job is not due.
func (s *Store) ClaimJob(ctx context.Context, id, worker string, visibility time.Duration) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	row := s.db.QueryRow(ctx, `update jobs
   set state = 'active',
       attempt_count = attempt_count + 1,
       lease_token = $2,
       leased_by = $3,
       lease_expires_at = now() + make_interval(secs => $4),
       updated_at = now()
 where id = $1
   and attempt_count < max_attempts
   and (state = 'queued' or (state = 'delayed' and run_at <= now()))
returning `+jobColumns,
		id, uuid.NewString(), worker, visibility.Seconds())
	j, err := s.scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// MarkSent records one delivered recipient and extends the lease.
func (s *Store) MarkSent(ctx context.Context, j *domain.Job, recipient string, visibility time.Duration) error {
	tag, err := s.db.Exec(ctx, `update jobs
   set recipient_status = jsonb_set(recipient_status, array[$3::text], '"sent"'::jsonb, true),
       lease_expires_at = now() + make_interval(secs => $4),
       updated_at = now()
 where id = $1 and state = 'active' and lease_token = $2`,
		j.ID, j.LeaseToken, recipient, visibility.Seconds())
	if err != nil {
		return errors.Wrap(err, "mark sent")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Touch extends a held lease without changing the job.
func (s *Store) Touch(ctx context.Context, j *domain.Job, visibility time.Duration) error {
	tag, err := s.db.Exec(ctx, `update jobs
   set lease_expires_at = now() + make_interval(secs => $3),
       updated_at = now()
 where id = $1 and state = 'active' and lease_token = $2`,
		j.ID, j.LeaseToken, visibility.Seconds())
	if err != nil {
		return errors.Wrap(err, "touch lease")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Complete moves the job to completed. Completing an already completed job is a no-op.
func (s *Store) Complete(ctx context.Context, j *domain.Job) error {
	status, err := json.Marshal(j.RecipientStatus)
	if err != nil {
		return errors.Wrap(err, "encode recipient status")
	}
	tag, err := s.db.Exec(ctx, `update jobs
   set state = 'completed', last_error = '', `+clearLease+`,
       `+mergeStatus("$3")+`
 where id = $1 and state = 'active' and lease_token = $2`,
		j.ID, j.LeaseToken, string(status))
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	st, err := s.state(ctx, j.ID)
	if err != nil {
		return err
	}
	if st == domain.Completed {
		return nil
	}
	return domain.ErrLeaseLost
}

// Retry schedules the job at runAt, or kills it once attempts are used up.
// It returns the resulting state.
func (s *Store) Retry(ctx context.Context, j *domain.Job, runAt time.Time, reason string) (domain.State, error) {
	status, err := json.Marshal(j.RecipientStatus)
	if err != nil {
		return "", errors.Wrap(err, "encode recipient status")
	}
	var st domain.State
	err = s.db.QueryRow(ctx, `update jobs
   set state = case when attempt_count < max_attempts then 'delayed' else 'dead' end,
       dead_reason = case when attempt_count < max_attempts then '' else 'exhausted' end,
       run_at = $3, last_error = $5, `+clearLease+`,
       `+mergeStatus("$4")+`
 where id = $1 and state = 'active' and lease_token = $2
returning state`,
		j.ID, j.LeaseToken, runAt, string(status), reason).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrLeaseLost
	}
	if err != nil {
		return "", errors.Wrap(err, "retry job")
	}
	return st, nil
}

// Kill dead-letters the job without consuming a retry.
func (s *Store) Kill(ctx context.Context, j *domain.Job, reason domain.DeadReason, msg string) error {
	status, err := json.Marshal(j.RecipientStatus)
	if err != nil {
		return errors.Wrap(err, "encode recipient status")
	}
	tag, err := s.db.Exec(ctx, `update jobs
   set state = 'dead', dead_reason = $3, last_error = $4, `+clearLease+`,
       `+mergeStatus("$5")+`
 where id = $1 and state = 'active' and lease_token = $2`,
		j.ID, j.LeaseToken, string(reason), msg, string(status))
	if err != nil {
		return errors.Wrap(err, "kill job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Release hands an unprocessed lease back, refunding the attempt it counted.
func (s *Store) Release(ctx context.Context, j *domain.Job) error {
	tag, err := s.db.Exec(ctx, `update jobs
   set state = 'queued', attempt_count = greatest(attempt_count - 1, 0), run_at = now(), `+clearLease+`
 where id = $1 and state = 'active' and lease_token = $2`,
		j.ID, j.LeaseToken)
	if err != nil {
		return errors.Wrap(err, "release job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrJobNotFound
	}
	j, err := s.scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	return j, err
}

// ListJobs returns jobs in the given state, oldest update first. An empty
// state lists every job.
func (s *Store) ListJobs(ctx context.Context, state domain.State, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
 where ($1 = '' or state = $1)
 order by updated_at asc
 limit $2`, string(state), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

// PromoteDue moves delayed jobs whose run_at has passed back to queued.
func (s *Store) PromoteDue(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `update jobs
   set state = 'queued', updated_at = now()
 where id in (
       select id from jobs
        where state = 'delayed' and run_at <= now()
        order by run_at asc
        limit $1
          for update skip locked)
returning id::text`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "promote due")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrap(err, "promote due")
}

// RequeueExpired recovers leases whose holder stopped heart-beating. Jobs
// that already used their last attempt are dead-lettered instead. Only the
// requeued ids are returned.
func (s *Store) RequeueExpired(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `update jobs
   set state = case when attempt_count >= max_attempts then 'dead' else 'queued' end,
       dead_reason = case when attempt_count >= max_attempts then 'exhausted' else dead_reason end,
       last_error = 'lease expired',
       run_at = now(), `+clearLease+`
 where id in (
       select id from jobs
        where state = 'active' and lease_expires_at < now()
        order by lease_expires_at asc
        limit $1
          for update skip locked)
returning id::text, state`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "requeue expired")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		var st domain.State
		if err := rows.Scan(&id, &st); err != nil {
			return nil, errors.Wrap(err, "requeue expired")
		}
		if st == domain.Queued {
			ids = append(ids, id)
		}
	}
	return ids, errors.Wrap(rows.Err(), "requeue expired")
}

// ListQueued returns queued ids so a lost Redis list can be rebuilt.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `select id::text from jobs
 where state = 'queued' and run_at <= now()
 order by created_at asc
 limit $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list queued")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrap(err, "list queued")
}

func (s *Store) state(ctx context.Context, id string) (domain.State, error) {
	var st domain.State
	err := s.db.QueryRow(ctx, `select state from jobs where id = $1`, id).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	return st, errors.Wrap(err, "job state")
}

func (s *Store) scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j              domain.Job
		sealed, status []byte
		baseMS, maxMS  int64
	)
	err := row.Scan(&j.ID, &j.Sender.From, &j.Sender.Username, &sealed, &j.Recipients, &j.Subject, &j.Body,
		&j.AttemptCount, &j.MaxAttempts, &baseMS, &maxMS, &status, &j.State, &j.RunAt,
		&j.LeaseToken, &j.LeasedBy, &j.LeaseExpiresAt, &j.LastError, &j.DeadReason,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.BackoffBase = time.Duration(baseMS) * time.Millisecond
	j.BackoffMax = time.Duration(maxMS) * time.Millisecond
	if err := json.Unmarshal(status, &j.RecipientStatus); err != nil {
		return nil, errors.Wrap(err, "decode recipient status")
	}
	if j.Sender.Password, err = s.sealer.Open(j.ID, sealed); err != nil {
		return nil, err
	}
	j.FillRecipientStatus()
	return &j, nil
}
