//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/secret"
)

const testKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func setupStore(t *testing.T) *Store {
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
	require.NoError(t, Migrate(ctx, dsn))

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	sealer, err := secret.NewSealer(testKey)
	require.NoError(t, err)
	return New(db, sealer)
}

func insert(t *testing.T, s *Store, maxAttempts int, recipients ...string) string {
	t.Helper()
	j := domain.NewJob(domain.Sender{Username: "me@x.com", Password: "hunter2"}, recipients, "s", "b")
	j.MaxAttempts = maxAttempts
	require.NoError(t, j.Validate())
	id, err := s.InsertJob(context.Background(), j)
	require.NoError(t, err)
	return id
}

func TestIntegration_Store_Lifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id := insert(t, s, 5, "a@x.com", "b@x.com")

	j, err := s.ClaimJob(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.AttemptCount)
	assert.Equal(t, "hunter2", j.Sender.Password, "secret round-trips through the sealer")

	again, err := s.ClaimJob(ctx, id, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "an active job is not claimable")

	require.NoError(t, s.MarkSent(ctx, j, "a@x.com", time.Minute))
	j.RecipientStatus["b@x.com"] = domain.RecipientFailed
	j.RecipientStatus["a@x.com"] = domain.RecipientPending
	st, err := s.Retry(ctx, j, time.Now().Add(-time.Second), "b bounced")
	require.NoError(t, err)
	assert.Equal(t, domain.Delayed, st)

	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientSent, got.RecipientStatus["a@x.com"], "sent is never downgraded")
	assert.Equal(t, domain.RecipientFailed, got.RecipientStatus["b@x.com"])
	assert.Equal(t, "b bounced", got.LastError)

	j, err = s.ClaimJob(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.AttemptCount)
	assert.Equal(t, []string{"b@x.com"}, j.Pending())

	require.NoError(t, s.MarkSent(ctx, j, "b@x.com", time.Minute))
	j.RecipientStatus["b@x.com"] = domain.RecipientSent
	require.NoError(t, s.Complete(ctx, j))
	require.NoError(t, s.Complete(ctx, j), "completing twice is a no-op")

	got, err = s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, got.State)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestIntegration_Store_ExhaustsAndExpires(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id := insert(t, s, 1, "a@x.com")
	j, err := s.ClaimJob(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	st, err := s.Retry(ctx, j, time.Now(), "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, st)
	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadExhausted, got.DeadReason)

	id = insert(t, s, 3, "b@x.com")
	j, err = s.ClaimJob(ctx, id, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	ids, err := s.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
	assert.ErrorIs(t, s.MarkSent(ctx, j, "b@x.com", time.Minute), domain.ErrLeaseLost)
	assert.ErrorIs(t, s.Complete(ctx, j), domain.ErrLeaseLost)

	queued, err := s.ListQueued(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, queued, id)
}

func TestIntegration_Store_TouchIsFenced(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id := insert(t, s, 5, "a@x.com")
	j, err := s.ClaimJob(ctx, id, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, j, time.Minute))
	time.Sleep(100 * time.Millisecond)

	ids, err := s.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "touched lease has not expired")

	stale := *j
	stale.LeaseToken = "someone-else"
	assert.ErrorIs(t, s.Touch(ctx, &stale, time.Minute), domain.ErrLeaseLost)
}

func TestIntegration_Store_ReleaseRefundsAttempt(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id := insert(t, s, 5, "a@x.com")
	j, err := s.ClaimJob(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, j))

	got, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, got.State)
	assert.Zero(t, got.AttemptCount)
}

func TestIntegration_Store_Groups(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateGroup(ctx, "ops", []string{"o@x.com"}))
	assert.ErrorIs(t, s.CreateGroup(ctx, "ops", []string{"p@x.com"}), domain.ErrGroupExists)

	emails, err := s.GroupEmails(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"o@x.com"}, emails)

	_, err = s.GroupEmails(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrGroupNotFound)

	names, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, names)
}
