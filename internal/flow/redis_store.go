package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "onlycat-bridge:flow:"

// RedisStore keeps flow records in Redis so several bridge instances behind a
// load balancer can serve the same flow. Records expire after the idle TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed flow store; ttl <= 0 uses DefaultFlowTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &RedisStore{client: client, prefix: defaultRedisPrefix, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("flow redis store: ping %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(flowID string) string {
	return s.prefix + flowID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, flowID string) (*Record, error) {
	val, err := s.client.Get(ctx, s.key(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownFlow
	}
	if err != nil {
		return nil, fmt.Errorf("flow redis store: get: %w", err)
	}
	var rec Record
	if err = json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("flow redis store: unmarshal: %w", err)
	}
	return &rec, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.FlowID == "" {
		return fmt.Errorf("flow redis store: missing flow_id")
	}
	copyRec := *rec
	copyRec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(copyRec)
	if err != nil {
		return fmt.Errorf("flow redis store: marshal: %w", err)
	}
	return s.client.Set(ctx, s.key(rec.FlowID), data, s.ttl).Err()
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	return s.client.Del(ctx, s.key(flowID)).Err()
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("flow redis store: get: %w", err)
		}
		var rec Record
		if err = json.Unmarshal(val, &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("flow redis store: scan: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
