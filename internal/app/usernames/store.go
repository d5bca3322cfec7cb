package usernames

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"meetsync/pkg/presence"
)

// Store tracks participant display names per room.
type Store interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, room, id string) error
	SetUsername(ctx context.Context, room, id, username string) error
	Usernames(ctx context.Context, room string) (map[string]string, error)
}

// RedisStore implements Store using one Redis hash per room.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "meetsync").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meetsync"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) usernamesKey(room string) string {
	return fmt.Sprintf("%s:rooms:%s:usernames", s.prefix, room)
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return presence.DeleteMatching(ctx, s.rdb, fmt.Sprintf("%s:rooms:*:usernames", s.prefix))
}

func (s *RedisStore) RemovePeer(ctx context.Context, room, id string) error {
	return s.rdb.HDel(ctx, s.usernamesKey(room), id).Err()
}

func (s *RedisStore) SetUsername(ctx context.Context, room, id, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return s.rdb.HDel(ctx, s.usernamesKey(room), id).Err()
	}
	return s.rdb.HSet(ctx, s.usernamesKey(room), id, username).Err()
}

func (s *RedisStore) Usernames(ctx context.Context, room string) (map[string]string, error) {
	vals, err := s.rdb.HGetAll(ctx, s.usernamesKey(room)).Result()
	if err != nil {
		return nil, err
	}
	return vals, nil
}
