package notify

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

// RedisFlags keeps the notification latch in Redis so that multiple API
// instances share one at-most-once decision per (subject, kind). SETNX is
// the atomic set-if-absent.
type RedisFlags struct {
	rdb *redis.Client
}

func NewRedisFlags(url string) (*RedisFlags, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisFlags{rdb: redis.NewClient(opt)}, nil
}

func redisFlagKey(subject, kind string) string { return "nflag:" + subject + ":" + kind }

func (s *RedisFlags) SetIfAbsent(ctx context.Context, subject, kind string) (bool, error) {
	return s.rdb.SetNX(ctx, redisFlagKey(subject, kind), "1", 0).Result()
}

func (s *RedisFlags) IsSet(ctx context.Context, subject, kind string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisFlagKey(subject, kind)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
