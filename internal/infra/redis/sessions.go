package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/remedy/internal/core/domain"
	"github.com/vietddude/remedy/internal/infra/storage"
)

// SessionRepo implements storage.SessionRepository using Redis.
// Headers are JSON strings, journals are lists and the index is a sorted set
// scored by start time.
type SessionRepo struct {
	client *Client
}

var _ storage.SessionRepository = (*SessionRepo)(nil)

// NewSessionRepo creates a new Redis-backed session repository.
func NewSessionRepo(client *Client) *SessionRepo {
	return &SessionRepo{client: client}
}

func startScore(s *domain.LoopSession) float64 {
	return float64(s.StartedAt.UnixMilli())
}

// Create stores a new session header with SETNX.
func (r *SessionRepo) Create(ctx context.Context, s *domain.LoopSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.rdb.SetNX(ctx, r.client.sessionKey(s.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return storage.ErrSessionExists
	}

	if err := r.client.rdb.ZAdd(ctx, r.client.indexKey(), redis.Z{
		Score:  startScore(s),
		Member: s.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// Get retrieves a session header.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.LoopSession, error) {
	data, err := r.client.rdb.Get(ctx, r.client.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	var s domain.LoopSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// UpdateSession overwrites an existing header.
func (r *SessionRepo) UpdateSession(ctx context.Context, s *domain.LoopSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := r.client.rdb.SetXX(ctx, r.client.sessionKey(s.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("setxx failed: %w", err)
	}
	if !ok {
		return storage.ErrSessionNotFound
	}
	return nil
}

// Append pushes a record onto the session journal.
func (r *SessionRepo) Append(ctx context.Context, rec *storage.Record) error {
	exists, err := r.client.rdb.Exists(ctx, r.client.sessionKey(rec.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("exists failed: %w", err)
	}
	if exists == 0 {
		return storage.ErrSessionNotFound
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.client.rdb.RPush(ctx, r.client.journalKey(rec.SessionID), data).Err(); err != nil {
		return fmt.Errorf("rpush failed: %w", err)
	}
	return nil
}

// Records returns the journal in push order.
func (r *SessionRepo) Records(ctx context.Context, sessionID string) ([]*storage.Record, error) {
	if _, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	items, err := r.client.rdb.LRange(ctx, r.client.journalKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}

	records := make([]*storage.Record, 0, len(items))
	for _, item := range items {
		var rec storage.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// List returns indexed sessions ordered by start time.
func (r *SessionRepo) List(ctx context.Context) ([]*domain.LoopSession, error) {
	ids, err := r.client.rdb.ZRange(ctx, r.client.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	sessions := make([]*domain.LoopSession, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err == storage.ErrSessionNotFound {
			// Header removed but ID still indexed.
			r.client.rdb.ZRem(ctx, r.client.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// DeleteOlderThan removes terminal sessions finished before cutoff.
func (r *SessionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	// Sessions that started after cutoff cannot have finished before it.
	ids, err := r.client.rdb.ZRangeByScore(ctx, r.client.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err == storage.ErrSessionNotFound {
			r.client.rdb.ZRem(ctx, r.client.indexKey(), id)
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !storage.Expired(s, cutoff) {
			continue
		}

		pipe := r.client.rdb.TxPipeline()
		pipe.Del(ctx, r.client.sessionKey(id), r.client.journalKey(id))
		pipe.ZRem(ctx, r.client.indexKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete session %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

// Close closes the Redis connection.
func (r *SessionRepo) Close() error {
	return r.client.Close()
}

// Ping reports connectivity.
func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}
