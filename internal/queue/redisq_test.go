package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisQ(t *testing.T) (*RedisQ, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisQ(rdb, "email"), mr
}

func TestRedisQ_PushPopFIFO(t *testing.T) {
	q, _ := setupRedisQ(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "1", "2"))
	require.NoError(t, q.Push(ctx, "3"))

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Pop(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisQ_PopEmptyTimesOut(t *testing.T) {
	q, _ := setupRedisQ(t)
	got, err := q.Pop(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisQ_DelayAndPromote(t *testing.T) {
	q, mr := setupRedisQ(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, q.Delay(ctx, "due", now.Add(-time.Second)))
	require.NoError(t, q.Delay(ctx, "later", now.Add(time.Hour)))

	due, err := q.DueDelayed(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, due)

	require.NoError(t, q.Promote(ctx, due))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	members, err := mr.ZMembers("delay:email")
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, members)
}

func TestRedisQ_DelayKeepsSubSecondDueTime(t *testing.T) {
	q, _ := setupRedisQ(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, q.Delay(ctx, "soon", now.Add(500*time.Millisecond)))

	due, err := q.DueDelayed(ctx, now.Add(499*time.Millisecond), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "not promoted before its run_at")

	due, err = q.DueDelayed(ctx, now.Add(500*time.Millisecond), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, due)
}
