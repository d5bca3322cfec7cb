package meetings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	idLength     = 10
	defaultTitle = "Untitled meeting"
	maxPasscode  = 72
)

var (
	// ErrNotFound is returned when a meeting id does not exist.
	ErrNotFound = errors.New("meeting not found")
	// ErrInvalidPasscode is returned when a passcode does not match.
	ErrInvalidPasscode = errors.New("invalid meeting passcode")
	// ErrPasscodeTooLong is returned by Create for passcodes bcrypt cannot hash.
	ErrPasscodeTooLong = errors.New("meeting passcode too long")

	errIDTaken = errors.New("meeting id taken")
)

// Meeting is the public metadata of a meeting. The meeting id doubles as the
// signaling room id. The passcode itself is never exposed.
type Meeting struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	HostID      string    `json:"hostId,omitempty"`
	HasPasscode bool      `json:"hasPasscode"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateParams describes a new meeting.
type CreateParams struct {
	Title       string
	Description string
	HostID      string
	Passcode    string
}

// Store describes meeting creation, lookup and admission checks.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*Meeting, error)
	Get(ctx context.Context, id string) (*Meeting, error)
	Validate(ctx context.Context, id, passcode string) (*Meeting, error)
	Delete(ctx context.Context, id string) error
}

// RedisStore persists meeting metadata in Redis, one hash per meeting.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	cost   int
	now    func() time.Time
}

// NewRedisStore builds a meeting store scoped under the provided prefix (e.g., "meetsync").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meetsync"
	}
	return &RedisStore{rdb: rdb, prefix: p, cost: bcrypt.DefaultCost, now: time.Now}
}

func (s *RedisStore) meetingKey(id string) string {
	return fmt.Sprintf("%s:meetings:%s", s.prefix, id)
}

// Create generates a new meeting id and stores the metadata.
func (s *RedisStore) Create(ctx context.Context, p CreateParams) (*Meeting, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = defaultTitle
	}
	var hash []byte
	if p.Passcode != "" {
		if len(p.Passcode) > maxPasscode {
			return nil, ErrPasscodeTooLong
		}
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(p.Passcode), s.cost)
		if err != nil {
			return nil, fmt.Errorf("hash passcode: %w", err)
		}
	}

	for i := 0; i < 5; i++ {
		id := generateID()
		key := s.meetingKey(id)
		now := s.now().UTC()
		fields := map[string]interface{}{
			"id":            id,
			"title":         title,
			"description":   strings.TrimSpace(p.Description),
			"host_id":       p.HostID,
			"passcode_hash": string(hash),
			"created_at":    now.Format(time.RFC3339),
		}
		// The record is written in one MULTI so a failure never leaves a
		// partial meeting behind.
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errIDTaken
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fields)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, errIDTaken) || errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Meeting{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(p.Description),
			HostID:      p.HostID,
			HasPasscode: len(hash) > 0,
			CreatedAt:   now,
		}, nil
	}
	return nil, errors.New("failed to generate unique meeting id")
}

// Get fetches a meeting by id, returning ErrNotFound when missing.
func (s *RedisStore) Get(ctx context.Context, id string) (*Meeting, error) {
	m, _, err := s.load(ctx, id)
	return m, err
}

// Validate checks passcode against the meeting. Meetings without a passcode
// accept any value.
func (s *RedisStore) Validate(ctx context.Context, id, passcode string) (*Meeting, error) {
	m, hash, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return m, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)); err != nil {
		return nil, ErrInvalidPasscode
	}
	return m, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (*Meeting, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, "", ErrNotFound
	}
	vals, err := s.rdb.HGetAll(ctx, s.meetingKey(id)).Result()
	if err != nil {
		return nil, "", err
	}
	if len(vals) == 0 {
		return nil, "", ErrNotFound
	}

	// created_at is always written with the rest of the record; a hash
	// without it is not a meeting.
	createdAt, err := time.Parse(time.RFC3339, vals["created_at"])
	if err != nil {
		return nil, "", ErrNotFound
	}
	hash := vals["passcode_hash"]
	return &Meeting{
		ID:          id,
		Title:       vals["title"],
		Description: vals["description"],
		HostID:      vals["host_id"],
		HasPasscode: hash != "",
		CreatedAt:   createdAt,
	}, hash, nil
}

// Delete removes a meeting by id, returning ErrNotFound when it does not exist.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}
	deleted, err := s.rdb.Del(ctx, s.meetingKey(id)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// generateID produces a short, URL-safe meeting id.
func generateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}
