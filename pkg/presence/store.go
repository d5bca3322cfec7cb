package presence

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Store tracks peers connected to each room.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, room, id string) error
	RemovePeer(ctx context.Context, room, id string) error
	Peers(ctx context.Context, room string) ([]string, error)
}

// RedisStore implements Store using one Redis set per room.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "meetsync").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meetsync"
	}
	return &RedisStore{rdb: rdb, prefix: p}
}

func (s *RedisStore) peersKey(room string) string {
	return fmt.Sprintf("%s:rooms:%s:peers", s.prefix, room)
}

// Reset drops every room set under the prefix. The in-memory registry starts
// empty, so anything left from a previous process is stale.
func (s *RedisStore) Reset(ctx context.Context) error {
	return DeleteMatching(ctx, s.rdb, fmt.Sprintf("%s:rooms:*:peers", s.prefix))
}

func (s *RedisStore) AddPeer(ctx context.Context, room, id string) error {
	return s.rdb.SAdd(ctx, s.peersKey(room), id).Err()
}

func (s *RedisStore) RemovePeer(ctx context.Context, room, id string) error {
	return s.rdb.SRem(ctx, s.peersKey(room), id).Err()
}

func (s *RedisStore) Peers(ctx context.Context, room string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.peersKey(room)).Result()
	if err != nil {
		return nil, err
	}
	return vals, nil
}

// DeleteMatching removes all keys matching pattern using SCAN so large
// keyspaces are not blocked by KEYS.
func DeleteMatching(ctx context.Context, rdb *redis.Client, pattern string) error {
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return rdb.Del(ctx, batch...).Err()
	}
	return nil
}
