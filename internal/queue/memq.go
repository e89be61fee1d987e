package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/mailq/internal/domain"
)

// Memory is an in-process queue with the same lease and retry semantics as
// Durable. It does not survive restarts; use it for tests and local runs.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	order      []string
	visibility time.Duration
	now        func() time.Time
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func WithVisibility(d time.Duration) MemoryOption {
	return func(m *Memory) { m.visibility = d }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:       make(map[string]*domain.Job),
		visibility: time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Enqueue(_ context.Context, j *domain.Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	c := j.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.FillRecipientStatus()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c.State = domain.Queued
	c.AttemptCount = 0
	c.RunAt = now
	c.CreatedAt = now
	c.UpdatedAt = now
	if _, ok := m.jobs[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.jobs[c.ID] = c
	j.ID = c.ID
	j.State = domain.Queued
	return c.ID, nil
}

// Lease claims the oldest claimable job, recovering expired leases first.
func (m *Memory) Lease(_ context.Context, worker string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.reapLocked(now)
	for _, id := range m.order {
		j := m.jobs[id]
		if j.AttemptCount >= j.MaxAttempts {
			continue
		}
		if j.State != domain.Queued && !(j.State == domain.Delayed && !j.RunAt.After(now)) {
			continue
		}
		exp := now.Add(m.visibility)
		j.State = domain.Active
		j.AttemptCount++
		j.LeaseToken = uuid.NewString()
		j.LeasedBy = worker
		j.LeaseExpiresAt = &exp
		j.UpdatedAt = now
		return j.Clone(), nil
	}
	return nil, nil
}

func (m *Memory) reapLocked(now time.Time) {
	for _, j := range m.jobs {
		if j.State != domain.Active || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if j.AttemptCount >= j.MaxAttempts {
			j.State = domain.Dead
			j.DeadReason = domain.DeadExhausted
		} else {
			j.State = domain.Queued
		}
		j.LastError = "lease expired"
		j.RunAt = now
		clearLeaseLocked(j, now)
	}
}

// held returns the stored job if j still owns its lease. An expired lease
// stays valid until another Lease call reclaims it.
func (m *Memory) held(j *domain.Job) (*domain.Job, error) {
	cur, ok := m.jobs[j.ID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if cur.State != domain.Active || cur.LeaseToken == "" || cur.LeaseToken != j.LeaseToken {
		return nil, domain.ErrLeaseLost
	}
	return cur, nil
}

func (m *Memory) MarkSent(_ context.Context, j *domain.Job, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.held(j)
	if err != nil {
		return err
	}
	now := m.now()
	exp := now.Add(m.visibility)
	cur.RecipientStatus[recipient] = domain.RecipientSent
	cur.LeaseExpiresAt = &exp
	cur.UpdatedAt = now
	return nil
}

func (m *Memory) Touch(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.held(j)
	if err != nil {
		return err
	}
	now := m.now()
	exp := now.Add(m.visibility)
	cur.LeaseExpiresAt = &exp
	cur.UpdatedAt = now
	return nil
}

func (m *Memory) AckSuccess(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.jobs[j.ID]; ok && cur.State == domain.Completed {
		return nil
	}
	cur, err := m.held(j)
	if err != nil {
		return err
	}
	copyStatus(cur, j)
	cur.State = domain.Completed
	cur.LastError = ""
	clearLeaseLocked(cur, m.now())
	return nil
}

func (m *Memory) AckRetry(_ context.Context, j *domain.Job, delay time.Duration, cause error) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.held(j)
	if err != nil {
		return "", err
	}
	now := m.now()
	copyStatus(cur, j)
	cur.LastError = errString(cause)
	if cur.AttemptCount < cur.MaxAttempts {
		cur.State = domain.Delayed
		cur.RunAt = now.Add(delay)
	} else {
		cur.State = domain.Dead
		cur.DeadReason = domain.DeadExhausted
	}
	clearLeaseLocked(cur, now)
	return cur.State, nil
}

func (m *Memory) AckFatal(_ context.Context, j *domain.Job, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.held(j)
	if err != nil {
		return err
	}
	copyStatus(cur, j)
	cur.State = domain.Dead
	cur.DeadReason = deadReason(cause)
	cur.LastError = errString(cause)
	clearLeaseLocked(cur, m.now())
	return nil
}

func (m *Memory) Release(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.held(j)
	if err != nil {
		return err
	}
	now := m.now()
	cur.State = domain.Queued
	if cur.AttemptCount > 0 {
		cur.AttemptCount--
	}
	cur.RunAt = now
	clearLeaseLocked(cur, now)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) List(_ context.Context, state domain.State, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, id := range m.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		j := m.jobs[id]
		if state == "" || j.State == state {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// copyStatus takes failure marks from the worker's copy. A sent mark is
// never downgraded.
func copyStatus(dst, src *domain.Job) {
	for r, st := range src.RecipientStatus {
		if dst.RecipientStatus[r] == domain.RecipientSent {
			continue
		}
		dst.RecipientStatus[r] = st
	}
}

func clearLeaseLocked(j *domain.Job, now time.Time) {
	j.LeaseToken = ""
	j.LeasedBy = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
}
