package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix     = "popper:status:"
	versionPrefix = "popper:version:"
)

// Redis is a Cache shared between server instances.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, repoKey string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+repoKey).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get cached status: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached status: %w", err)
	}
	return e, true, nil
}

func (r *Redis) Version(ctx context.Context, repoKey string) (uint64, error) {
	return parseVersion(r.client.Get(ctx, versionPrefix+repoKey))
}

func parseVersion(cmd *redis.StringCmd) (uint64, error) {
	v, err := cmd.Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cache version: %w", err)
	}
	return v, nil
}

// Fill watches the version key so an Invalidate from any instance between
// the check and the write aborts the transaction.
func (r *Redis) Fill(ctx context.Context, repoKey string, version uint64, e Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode cached status: %w", err)
	}

	stored := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := parseVersion(tx.Get(ctx, versionPrefix+repoKey))
		if err != nil {
			return err
		}
		if current != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyPrefix+repoKey, data, r.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, versionPrefix+repoKey)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("set cached status: %w", err)
	}
	return stored, nil
}

func (r *Redis) Invalidate(ctx context.Context, repoKey string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionPrefix+repoKey)
		pipe.Del(ctx, keyPrefix+repoKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cached status: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
