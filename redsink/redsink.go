// Package redsink provides a Redis-backed ErrorSink: record IDs are indexed
// in a sorted set scored by timestamp, with the serialized records stored
// under per-ID keys.
package redsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Jayant71/apicore"
)

// Sink persists error records in Redis.
type Sink struct {
	rdb    *redis.Client
	prefix string
}

// New returns a sink writing under the given key prefix (default
// "apicore_errors").
func New(rdb *redis.Client, prefix string) *Sink {
	if prefix == "" {
		prefix = "apicore_errors"
	}
	return &Sink{rdb: rdb, prefix: prefix}
}

// Open connects to Redis by URL and verifies the connection.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

func (s *Sink) indexKey() string {
	return s.prefix + ":index"
}

func (s *Sink) recordKey(id string) string {
	return s.prefix + ":record:" + id
}

// Insert stores each record and indexes it by timestamp.
func (s *Sink) Insert(ctx context.Context, records []*apicore.ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal error record: %w", err)
		}
		pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(rec.Timestamp.UnixNano()),
			Member: rec.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert error records: %w", err)
	}
	return nil
}

// MarkResolved sets the resolved flag on one stored record.
func (s *Sink) MarkResolved(ctx context.Context, id string) error {
	data, err := s.rdb.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("error record %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get error record: %w", err)
	}

	var rec apicore.ErrorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal error record: %w", err)
	}

	rec.Resolved = true

	newData, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.recordKey(id), newData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set error record: %w", err)
	}
	return nil
}

// DeleteBefore removes records older than cutoff from the index and the
// per-ID keys.
func (s *Sink) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	max := strconv.FormatInt(cutoff.UnixNano()-1, 10)

	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.rdb.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.recordKey(id))
	}
	pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete error records: %w", err)
	}

	return int64(len(ids)), nil
}

// Select returns records since the given time, newest first, at most limit.
func (s *Sink) Select(ctx context.Context, since time.Time, limit int) ([]*apicore.ErrorRecord, error) {
	ids, err := s.rdb.ZRevRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixNano(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	records := make([]*apicore.ErrorRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry whose record key expired or was removed.
			continue
		}
		var rec apicore.ErrorRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}
