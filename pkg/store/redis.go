package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// redisCASScript replaces an entry only if its stored grade matches.
// KEYS[1] = entry key
// ARGV[1] = expected grade
// ARGV[2] = new entry JSON
// Returns -1 when missing, 0 on grade mismatch, 1 on success.
var redisCASScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return -1
end
local entry = cjson.decode(cur)
if entry.grade ~= ARGV[1] then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// RedisStore implements evidence.Store on Redis. The chain index hash is
// claimed with HSETNX, so concurrent writers sharing one Redis cannot reuse
// an index.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by the Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, "qledger")
}

// NewRedisStoreWithClient uses an existing client; keys are namespaced by prefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(id string) string { return s.prefix + ":entry:" + id }
func (s *RedisStore) indexKey() string          { return s.prefix + ":index" }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Append(ctx context.Context, e *evidence.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode entry: %w", err)
	}
	field := strconv.FormatUint(e.ChainIndex, 10)
	claimed, err := s.client.HSetNX(ctx, s.indexKey(), field, e.ID).Result()
	if err != nil {
		return fmt.Errorf("store: claim chain index: %w", err)
	}
	if !claimed {
		return evidence.ErrIndexConflict
	}
	ok, err := s.client.SetNX(ctx, s.entryKey(e.ID), b, 0).Result()
	if err != nil || !ok {
		_ = s.client.HDel(ctx, s.indexKey(), field).Err()
		if err != nil {
			return fmt.Errorf("store: write entry: %w", err)
		}
		return evidence.ErrIndexConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*evidence.Entry, error) {
	b, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, evidence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read entry: %w", err)
	}
	var e evidence.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("store: decode entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *RedisStore) Update(ctx context.Context, e *evidence.Entry, from evidence.Grade) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode entry: %w", err)
	}
	res, err := redisCASScript.Run(ctx, s.client, []string{s.entryKey(e.ID)}, string(from), b).Int()
	if err != nil {
		return fmt.Errorf("store: update entry: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return evidence.ErrGradeConflict
	default:
		return evidence.ErrNotFound
	}
}

func (s *RedisStore) List(ctx context.Context) ([]*evidence.Entry, error) {
	index, err := s.client.HGetAll(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read index: %w", err)
	}
	if len(index) == 0 {
		return []*evidence.Entry{}, nil
	}
	keys := make([]string, 0, len(index))
	for _, id := range index {
		keys = append(keys, s.entryKey(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read entries: %w", err)
	}
	out := make([]*evidence.Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index claimed but entry write lost; the ledger sees a gap.
			continue
		}
		var e evidence.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", keys[i], err)
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainIndex < out[j].ChainIndex })
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
