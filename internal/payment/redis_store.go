package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisIntentStore struct {
	client *redis.Client
}

func NewRedisIntentStore(client *redis.Client) *RedisIntentStore {
	return &RedisIntentStore{client: client}
}

func (s *RedisIntentStore) Save(ctx context.Context, token string, intent *Intent, ttl time.Duration) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent failed: %w", err)
	}
	if err := s.client.Set(ctx, intentKey(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Take uses GETDEL so two concurrent completions cannot both see the intent.
func (s *RedisIntentStore) Take(ctx context.Context, token string) (*Intent, error) {
	data, err := s.client.GetDel(ctx, intentKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel failed: %w", err)
	}

	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("unmarshal intent failed: %w", err)
	}
	return &intent, nil
}

func intentKey(token string) string {
	return "payment_intent:" + token
}
