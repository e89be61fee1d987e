package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// RedisQ is the wake-up channel for workers: a list of ready job ids and a
// sorted set of delayed ids scored by due time. Postgres stays authoritative,
// so duplicate or stale ids here are harmless.
type RedisQ struct {
	rdb   *r.Client
	ready string
	delay string
}

func NewRedisQ(rdb *r.Client, name string) *RedisQ {
	return &RedisQ{rdb: rdb, ready: "queue:" + name, delay: "delay:" + name}
}

func (q *RedisQ) Push(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return errors.Wrap(q.rdb.LPush(ctx, q.ready, vals...).Err(), "push ready")
}

func (q *RedisQ) Delay(ctx context.Context, id string, runAt time.Time) error {
	err := q.rdb.ZAdd(ctx, q.delay, r.Z{Score: float64(runAt.UnixMilli()), Member: id}).Err()
	return errors.Wrap(err, "push delayed")
}

// Pop blocks up to block for a ready id. It returns "" on timeout.
func (q *RedisQ) Pop(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, q.ready).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "pop ready")
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// Promote makes ids ready and drops them from the delay set in one transaction.
func (q *RedisQ) Promote(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.ready, id)
		pipe.ZRem(ctx, q.delay, id)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "promote")
}

// DueDelayed lists delayed ids due at or before now. Scores are unix milliseconds.
func (q *RedisQ) DueDelayed(ctx context.Context, now time.Time, batch int64) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.delay, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: batch,
	}).Result()
	return ids, errors.Wrap(err, "due delayed")
}

func (q *RedisQ) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.ready).Result()
	return n, errors.Wrap(err, "ready length")
}
