package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix  = "forge:execution:"
	programKeyPrefix = "forge:program:"
	recordTTL        = 24 * time.Hour
)

// RedisStore persists execution records in Redis with a bounded TTL so the
// history survives engine restarts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func recordKey(executionID string) string { return recordKeyPrefix + executionID }
func programKey(programID string) string  { return programKeyPrefix + programID }

func (s *RedisStore) Save(ctx context.Context, record Record) error {
	if record.ExecutionID == "" {
		return fmt.Errorf("execution id cannot be empty")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(record.ExecutionID), payload, recordTTL)
	if record.ProgramID != "" {
		key := programKey(record.ProgramID)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(record.StartedAt.UnixNano()),
			Member: record.ExecutionID,
		})
		pipe.Expire(ctx, key, recordTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save execution record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, executionID string) (Record, error) {
	payload, err := s.client.Get(ctx, recordKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("get execution record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal execution record: %w", err)
	}
	return record, nil
}

func (s *RedisStore) List(ctx context.Context, programID string, limit int) ([]Record, error) {
	if programID == "" {
		return nil, fmt.Errorf("listing requires a program id")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, programKey(programID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list execution ids: %w", err)
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	record, err := s.Get(ctx, executionID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(executionID))
	if record.ProgramID != "" {
		pipe.ZRem(ctx, programKey(record.ProgramID), executionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete execution record: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
