//go:build integration

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/secret"
	"github.com/SirClappington/mailq/internal/storage"
)

const testKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func setupDurable(t *testing.T) (*Durable, *miniredis.Miniredis) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("mailq"),
		tcpostgres.WithUsername("mailq"),
		tcpostgres.WithPassword("mailq"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(ctx, dsn))

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	sealer, err := secret.NewSealer(testKey)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewDurable(storage.New(db, sealer), NewRedisQ(rdb, "email"), zap.NewNop(), DurableConfig{
		Visibility: time.Minute,
		Block:      time.Second,
	})
	return q, mr
}

func readyIDs(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	if !mr.Exists("queue:email") {
		return nil
	}
	ids, err := mr.List("queue:email")
	require.NoError(t, err)
	return ids
}

func delayedIDs(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	if !mr.Exists("delay:email") {
		return nil
	}
	ids, err := mr.ZMembers("delay:email")
	require.NoError(t, err)
	return ids
}

func TestIntegration_Durable_EnqueueSignalsWorkers(t *testing.T) {
	q, mr := setupDurable(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testJob())
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, readyIDs(t, mr), "invalid jobs are never signalled")

	id, err := q.Enqueue(ctx, testJob("a@x.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, readyIDs(t, mr))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, got.State)
}

func TestIntegration_Durable_LeaseSkipsUnclaimableIDs(t *testing.T) {
	q, mr := setupDurable(t)
	ctx := context.Background()

	// ids with no claimable row are popped before the real one
	require.NoError(t, q.rq.Push(ctx, "not-a-uuid", "6f1c2d1e-8a4b-4f5e-9c3d-2b1a0e9f8d7c"))
	id, err := q.Enqueue(ctx, testJob("a@x.com"))
	require.NoError(t, err)
	require.NoError(t, q.rq.Push(ctx, id))

	j, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j, "stale ids do not end the lease wait")
	assert.Equal(t, id, j.ID)
	assert.Equal(t, 1, j.AttemptCount)

	again, err := q.Lease(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, again, "the duplicate signal loses the claim")
	assert.Empty(t, readyIDs(t, mr))
}

func TestIntegration_Durable_AckRetryIndexesOnlyDelayed(t *testing.T) {
	q, mr := setupDurable(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testJob("a@x.com"))
	require.NoError(t, err)
	j, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)

	st, err := q.AckRetry(ctx, j, 3*time.Second, domain.ErrTransientDelivery)
	require.NoError(t, err)
	assert.Equal(t, domain.Delayed, st)
	assert.Equal(t, []string{id}, delayedIDs(t, mr))

	last := testJob("b@x.com")
	last.MaxAttempts = 1
	lastID, err := q.Enqueue(ctx, last)
	require.NoError(t, err)
	j, err = q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, lastID, j.ID)

	st, err = q.AckRetry(ctx, j, 3*time.Second, domain.ErrTransientDelivery)
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, st)
	assert.Equal(t, []string{id}, delayedIDs(t, mr), "dead jobs stay out of the delay set")

	got, err := q.Get(ctx, lastID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadExhausted, got.DeadReason)
}

func TestIntegration_Durable_ReleaseSignalsAgain(t *testing.T) {
	q, mr := setupDurable(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, testJob("a@x.com"))
	require.NoError(t, err)
	j, err := q.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Empty(t, readyIDs(t, mr))

	require.NoError(t, q.Release(ctx, j))
	assert.Equal(t, []string{id}, readyIDs(t, mr))
	assert.ErrorIs(t, q.Touch(ctx, j), domain.ErrLeaseLost)

	j, err = q.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.AttemptCount, "released attempt was refunded")
	require.NoError(t, q.Touch(ctx, j))
	require.NoError(t, q.MarkSent(ctx, j, "a@x.com"))
	require.NoError(t, q.AckSuccess(ctx, j))
	require.NoError(t, q.AckSuccess(ctx, j))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, got.State)
	assert.Equal(t, domain.RecipientSent, got.RecipientStatus["a@x.com"])
}
