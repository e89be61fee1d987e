package scheduler

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/queue"
)

type fakeStore struct {
	due, expired, queued []string
	promoteErr           error
}

func (f *fakeStore) PromoteDue(context.Context, int) ([]string, error) {
	return f.due, f.promoteErr
}

func (f *fakeStore) RequeueExpired(context.Context, int) ([]string, error) {
	return f.expired, nil
}

func (f *fakeStore) ListQueued(context.Context, int) ([]string, error) {
	return f.queued, nil
}

type fakeLock struct {
	held     bool
	unlocked bool
}

func (l *fakeLock) TryLock(context.Context) (bool, error) { return l.held, nil }
func (l *fakeLock) Unlock(context.Context) error         { l.unlocked = true; return nil }

func setup(t *testing.T, store Store, lock Locker) (*Scheduler, *queue.RedisQ, *r.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rq := queue.NewRedisQ(rdb, "email")
	return New(store, rq, lock, zap.NewNop(), Config{Tick: 10 * time.Millisecond}), rq, rdb
}

func ready(t *testing.T, rdb *r.Client) []string {
	t.Helper()
	ids, err := rdb.LRange(context.Background(), "queue:email", 0, -1).Result()
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func TestCycle_PromotesAndRecovers(t *testing.T) {
	store := &fakeStore{due: []string{"d1"}, expired: []string{"e1"}}
	s, rq, rdb := setup(t, store, &fakeLock{held: true})
	ctx := context.Background()
	require.NoError(t, rq.Delay(ctx, "d1", time.Now().Add(-time.Minute)))
	require.NoError(t, rq.Delay(ctx, "d2", time.Now().Add(-time.Minute)))

	require.NoError(t, s.Cycle(ctx))

	assert.Equal(t, []string{"d1", "d2", "e1"}, ready(t, rdb))
	n, err := rdb.ZCard(ctx, "delay:email").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCycle_ReconcilesOnlyEmptyList(t *testing.T) {
	store := &fakeStore{queued: []string{"q1", "q2"}}
	s, _, rdb := setup(t, store, &fakeLock{held: true})
	ctx := context.Background()

	require.NoError(t, s.Cycle(ctx))
	assert.Equal(t, []string{"q1", "q2"}, ready(t, rdb))

	require.NoError(t, s.Cycle(ctx))
	assert.Len(t, ready(t, rdb), 2, "non-empty list is left alone")
}

func TestCycle_StepFailureDoesNotSkipOthers(t *testing.T) {
	store := &fakeStore{promoteErr: errors.New("db down"), expired: []string{"e1"}}
	s, _, rdb := setup(t, store, &fakeLock{held: true})

	err := s.Cycle(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, []string{"e1"}, ready(t, rdb))
}

func TestRun_FollowerDoesNothing(t *testing.T) {
	store := &fakeStore{expired: []string{"e1"}}
	lock := &fakeLock{held: false}
	s, _, rdb := setup(t, store, lock)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Empty(t, ready(t, rdb))
	assert.True(t, lock.unlocked)
}
