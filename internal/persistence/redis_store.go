package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/shipflow/pkg/api"
)

const redisMemberSep = "\x1f"

// RedisEventLog is an EventLog backed by Redis.
// It uses a simple key structure:
//
//	<prefix>events:<id>  => LIST of JSON-encoded events, index = seq-1
//	<prefix>instances    => SET of all instance IDs
//
// Appends run in a WATCH/MULTI transaction on the instance list, so a writer
// whose view of the tail is stale fails with api.ErrConflict. Durability
// follows the server's persistence settings; run Redis with
// appendonly yes and appendfsync always for a durable log.
type RedisEventLog struct {
	client redis.UniversalClient
	prefix string
}

var _ EventLog = (*RedisEventLog)(nil)

// NewRedisEventLog creates a RedisEventLog.
// prefix is optional but recommended (e.g. "shipflow:").
func NewRedisEventLog(client redis.UniversalClient, prefix string) *RedisEventLog {
	if prefix == "" {
		prefix = "shipflow:"
	}
	return &RedisEventLog{client: client, prefix: prefix}
}

func (s *RedisEventLog) keyEvents(id string) string {
	return s.prefix + "events:" + id
}

func (s *RedisEventLog) keyInstances() string {
	return s.prefix + "instances"
}

func (s *RedisEventLog) Append(ctx context.Context, ev api.Event, expectedSeq int64) (int64, error) {
	seq := expectedSeq + 1
	ev.Seq = seq
	ev.At = nowUTC(ev.At)
	data, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}

	key := s.keyEvents(ev.InstanceID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if n != expectedSeq {
			return api.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			pipe.SAdd(ctx, s.keyInstances(), ev.InstanceID)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return seq, nil
	case errors.Is(err, api.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return 0, api.ErrConflict
	default:
		return 0, fmt.Errorf("redis append %s #%d: %w", ev.InstanceID, seq, err)
	}
}

func (s *RedisEventLog) ReadAll(ctx context.Context, instanceID string) ([]api.Event, error) {
	raw, err := s.client.LRange(ctx, s.keyEvents(instanceID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]api.Event, 0, len(raw))
	for _, r := range raw {
		ev, err := decodeEvent([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisEventLog) ListInstances(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyInstances()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// RedisTimerStore is a TimerStore backed by Redis.
//
//	<prefix>timers:due          => ZSET of "<instance>\x1f<key>" scored by fire time (ms)
//	<prefix>timers:data         => HASH member -> JSON-encoded TimerRequest
//	<prefix>timers:inst:<id>    => SET of members belonging to one instance
type RedisTimerStore struct {
	client redis.UniversalClient
	prefix string
}

var _ TimerStore = (*RedisTimerStore)(nil)

// NewRedisTimerStore creates a RedisTimerStore.
func NewRedisTimerStore(client redis.UniversalClient, prefix string) *RedisTimerStore {
	if prefix == "" {
		prefix = "shipflow:"
	}
	return &RedisTimerStore{client: client, prefix: prefix}
}

func (s *RedisTimerStore) keyDue() string  { return s.prefix + "timers:due" }
func (s *RedisTimerStore) keyData() string { return s.prefix + "timers:data" }
func (s *RedisTimerStore) keyInstance(id string) string {
	return s.prefix + "timers:inst:" + id
}

func timerMember(instanceID, key string) string {
	return instanceID + redisMemberSep + key
}

func (s *RedisTimerStore) CreateTimer(ctx context.Context, t TimerRequest) error {
	data, err := encodeTimer(t)
	if err != nil {
		return err
	}
	member := timerMember(t.InstanceID, t.Key)

	// HSETNX is the uniqueness guard; the schedule entries follow.
	ok, err := s.client.HSetNX(ctx, s.keyData(), member, data).Result()
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrDuplicateTimer
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.keyDue(), redis.Z{Score: float64(t.FireAt.UnixMilli()), Member: member})
		pipe.SAdd(ctx, s.keyInstance(t.InstanceID), member)
		return nil
	})
	return err
}

func (s *RedisTimerStore) DueTimers(ctx context.Context, now time.Time, limit int) ([]TimerRequest, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.keyDue(), opt).Result()
	if err != nil {
		return nil, err
	}
	timers, err := s.load(ctx, members)
	if err != nil {
		return nil, err
	}
	// Millisecond scores can admit a timer a fraction early.
	out := timers[:0]
	for _, t := range timers {
		if !t.FireAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *RedisTimerStore) PostponeTimer(ctx context.Context, instanceID, key string, until time.Time, attempts int) error {
	member := timerMember(instanceID, key)
	exists, err := s.client.HExists(ctx, s.keyData(), member).Result()
	if err != nil || !exists {
		return err
	}
	data, err := encodeTimer(TimerRequest{InstanceID: instanceID, Key: key, FireAt: until, Attempts: attempts})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.keyData(), member, data)
		pipe.ZAdd(ctx, s.keyDue(), redis.Z{Score: float64(until.UnixMilli()), Member: member})
		return nil
	})
	return err
}

func (s *RedisTimerStore) DeleteTimer(ctx context.Context, instanceID, key string) error {
	return s.remove(ctx, instanceID, timerMember(instanceID, key))
}

func (s *RedisTimerStore) DeleteInstanceTimers(ctx context.Context, instanceID string) error {
	members, err := s.client.SMembers(ctx, s.keyInstance(instanceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	return s.remove(ctx, instanceID, members...)
}

func (s *RedisTimerStore) ListTimers(ctx context.Context) ([]TimerRequest, error) {
	members, err := s.client.ZRange(ctx, s.keyDue(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, members)
}

func (s *RedisTimerStore) remove(ctx context.Context, instanceID string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.keyDue(), args...)
		pipe.HDel(ctx, s.keyData(), members...)
		pipe.SRem(ctx, s.keyInstance(instanceID), args...)
		return nil
	})
	return err
}

func (s *RedisTimerStore) load(ctx context.Context, members []string) ([]TimerRequest, error) {
	if len(members) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.keyData(), members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimerRequest, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Deleted between ZRANGE and HMGET.
			continue
		}
		t, err := decodeTimer([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sortTimers(out)
	return out, nil
}
