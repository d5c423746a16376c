package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotConfigured = errors.New("settings not configured")

// RedisStore reads and writes encrypted settings documents.
type RedisStore struct {
	client *redis.Client
	keys   map[Name]Key
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, keys map[Name]Key) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, keys: keys}, nil
}

func (s *RedisStore) key(name Name) (Key, error) {
	k, ok := s.keys[name]
	if !ok || k.KeyHex == "" || k.IVHex == "" {
		return Key{}, fmt.Errorf("%w: no encryption key for %s", ErrNotConfigured, name)
	}
	return k, nil
}

// Raw returns the decrypted JSON document stored under name.
func (s *RedisStore) Raw(ctx context.Context, name Name) ([]byte, error) {
	k, err := s.key(name)
	if err != nil {
		return nil, err
	}
	value, err := s.client.Get(ctx, string(name)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotConfigured, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	plain, err := Decrypt(value, k)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plain, nil
}

func (s *RedisStore) decode(ctx context.Context, name Name, target any) error {
	raw, err := s.Raw(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) CRM(ctx context.Context) (CRM, error) {
	var out CRM
	err := s.decode(ctx, CRMConfig, &out)
	return out, err
}

func (s *RedisStore) Slack(ctx context.Context) (Slack, error) {
	var out Slack
	err := s.decode(ctx, SlackConfig, &out)
	return out, err
}

func (s *RedisStore) Routes(ctx context.Context) (Routes, error) {
	var out Routes
	err := s.decode(ctx, RoutesConfig, &out)
	return out, err
}

// PutRaw validates data as JSON, encrypts it and stores it under name.
func (s *RedisStore) PutRaw(ctx context.Context, name Name, data []byte) error {
	if !name.Valid() {
		return fmt.Errorf("unknown settings name %q", name)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s is not valid JSON", name)
	}
	k, err := s.key(name)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(data, k)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	if err := s.client.Set(ctx, string(name), encrypted, 0).Err(); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Put marshals v and stores it under name.
func (s *RedisStore) Put(ctx context.Context, name Name, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.PutRaw(ctx, name, data)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
