package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a MemoryStore backed by Redis. Values are stored as
// JSON under "collection:key"; Search scans the collection's keyspace
// and substring-matches the rendered values, which is adequate for the
// buffer and key-value memory subtypes this store serves.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(collection, key string) string {
	return collection + ":" + key
}

// Put implements MemoryStore.
func (s *RedisStore) Put(ctx context.Context, collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode memory value: %w", err)
	}
	return s.client.Set(ctx, redisKey(collection, key), data, 0).Err()
}

// Get implements MemoryStore.
func (s *RedisStore) Get(ctx context.Context, collection, key string) (any, error) {
	data, err := s.client.Get(ctx, redisKey(collection, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode memory value: %w", err)
	}
	return v, nil
}

// Search implements MemoryStore by scanning the collection and
// matching query terms against the stored JSON.
func (s *RedisStore) Search(ctx context.Context, collection, query string, limit int) ([]Entry, error) {
	terms := strings.Fields(strings.ToLower(query))
	prefix := collection + ":"

	var out []Entry
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		data, err := s.client.Get(ctx, fullKey).Bytes()
		if err != nil {
			continue
		}
		text := strings.ToLower(string(data))
		matched := len(terms) == 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		out = append(out, Entry{Key: strings.TrimPrefix(fullKey, prefix), Value: v})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements MemoryStore.
func (s *RedisStore) Delete(ctx context.Context, collection, key string) error {
	return s.client.Del(ctx, redisKey(collection, key)).Err()
}
