package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/songq/internal/domain"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store keeps the download snapshot under a single redis key, with a
// companion hash carrying its save metadata.
type Store struct {
	rdb *redis.Client
	key string
}

func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Key == "" {
		opts.Key = "songq:downloads"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &Store{rdb: rdb, key: opts.Key}, nil
}

func (s *Store) metaKey() string {
	return s.key + ":meta"
}

func (s *Store) SaveSnapshot(ctx context.Context, data []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, data, 0)
		pipe.HSet(ctx, s.metaKey(), map[string]interface{}{
			"saved_at": time.Now().UTC().Format(time.RFC3339),
			"bytes":    len(data),
		})
		return nil
	})
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SavedAt reports when the snapshot was last written.
func (s *Store) SavedAt(ctx context.Context) (time.Time, error) {
	v, err := s.rdb.HGet(ctx, s.metaKey(), "saved_at").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, domain.ErrNoSnapshot
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
