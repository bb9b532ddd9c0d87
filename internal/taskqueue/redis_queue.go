package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// It uses two keys:
//
//	<prefix>tasks    list of tasks ready to run (LPUSH / BRPOP)
//	<prefix>delayed  sorted set of tasks scored by NotBefore in unix millis
//
// Values are gob-encoded Task structs. Delayed tasks are moved to the ready
// list by a script on every Dequeue poll.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	delayedKey   string
	pollInterval time.Duration
}

// promoteDue moves up to ARGV[2] members of KEYS[2] with a score <= ARGV[1]
// onto the list KEYS[1].
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('LPUSH', KEYS[1], member)
	redis.call('ZREM', KEYS[2], member)
end
return #due
`)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "shipflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "shipflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		delayedKey:   prefix + "delayed",
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// Enqueue pushes a task onto the ready list, or into the delayed set when
// its NotBefore lies in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	if time.Until(t.NotBefore) > 0 {
		return q.client.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(t.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue blocks on BRPOP until a task is available or ctx is cancelled.
// The block is bounded by the poll interval so delayed tasks get promoted.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteDue.Run(ctx, q.client, []string{q.key, q.delayedKey}, now, 100).Err(); err != nil {
			return nil, err
		}

		// BRPop returns [key, value]
		res, err := q.client.BRPop(ctx, q.pollInterval, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 2 {
			slog.Warn("redis queue: unexpected BRPOP result", slog.Any("result", res))
			continue
		}
		return DecodeTask([]byte(res[1]))
	}
}

// Len returns the approximate number of tasks queued, delayed ones included.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	ready, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		slog.Warn("redis queue length failed", slog.Any("error", err))
		return 0
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		slog.Warn("redis queue length failed", slog.Any("error", err))
		return int(ready)
	}
	return int(ready + delayed)
}
