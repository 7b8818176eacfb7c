package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "idemp:"

// RedisStore keeps records as JSON strings that expire with the TTL window.
type RedisStore struct {
	rdb       redis.UniversalClient
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, ttlWindow time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttlWindow: ttlWindow, nowFunc: time.Now}
}

var _ Keeper = (*RedisStore)(nil)

func (s *RedisStore) CreateIfNotExists(ctx context.Context, key, orderID string) (bool, error) {
	now := s.nowFunc().UTC()
	raw, err := json.Marshal(Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		OrderID:        orderID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, redisPrefix+key, raw, s.ttlWindow).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	return s.read(ctx, s.rdb, key)
}

func (s *RedisStore) MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error {
	return s.update(ctx, key, func(r *Record) bool {
		r.Status = StatusDone
		r.ResponseBody = responseBody
		r.ResponseStatus = responseStatus
		return true
	})
}

func (s *RedisStore) MarkFailed(ctx context.Context, key, note string) error {
	return s.update(ctx, key, func(r *Record) bool {
		r.Status = StatusFailed
		r.Note = note
		return true
	})
}

func (s *RedisStore) Retake(ctx context.Context, key string) (bool, error) {
	retaken := false
	err := s.update(ctx, key, func(r *Record) bool {
		if r.Status != StatusFailed {
			return false
		}
		r.Status = StatusInProgress
		r.Note = ""
		retaken = true
		return true
	})
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return retaken, err
}

// update applies mutate under WATCH so concurrent writers cannot interleave
// between the read and the write. mutate returns false to leave the record.
func (s *RedisStore) update(ctx context.Context, key string, mutate func(*Record) bool) error {
	k := redisPrefix + key
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("idempotency key %q not found", key)
		}
		if !mutate(rec) {
			return nil
		}
		rec.UpdatedAt = s.nowFunc().UTC()
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, raw, redis.KeepTTL)
			return nil
		})
		return err
	}, k)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (*Record, error) {
	raw, err := c.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}
