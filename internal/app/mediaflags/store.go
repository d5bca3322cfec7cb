package mediaflags

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"meetsync/pkg/presence"
)

// Flags is the mirrored audio/video/screen state of one participant.
type Flags struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// Store tracks which media each participant in a room has enabled.
type Store interface {
	Reset(ctx context.Context) error
	RemovePeer(ctx context.Context, room, id string) error
	SetFlag(ctx context.Context, room, id, flag string, enabled bool) error
	Flags(ctx context.Context, room string) (map[string]Flags, error)
}

// RedisStore implements Store using one Redis hash per room with
// "<id>:<flag>" fields.
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

func (s *RedisStore) flagsKey(room string) string {
	return fmt.Sprintf("%s:rooms:%s:flags", s.prefix, room)
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return presence.DeleteMatching(ctx, s.rdb, fmt.Sprintf("%s:rooms:*:flags", s.prefix))
}

func (s *RedisStore) RemovePeer(ctx context.Context, room, id string) error {
	key := s.flagsKey(room)
	return s.rdb.HDel(ctx, key, id+":audio", id+":video", id+":screen").Err()
}

func (s *RedisStore) SetFlag(ctx context.Context, room, id, flag string, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return s.rdb.HSet(ctx, s.flagsKey(room), id+":"+flag, v).Err()
}

func (s *RedisStore) Flags(ctx context.Context, room string) (map[string]Flags, error) {
	vals, err := s.rdb.HGetAll(ctx, s.flagsKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Flags)
	for field, v := range vals {
		i := strings.LastIndexByte(field, ':')
		if i <= 0 {
			continue
		}
		id, flag := field[:i], field[i+1:]
		f := out[id]
		on := v == "1"
		switch flag {
		case "audio":
			f.Audio = on
		case "video":
			f.Video = on
		case "screen":
			f.Screen = on
		}
		out[id] = f
	}
	return out, nil
}
