package meetings

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := NewRedisStore(rdb, "meetsync:")
	s.cost = bcrypt.MinCost
	return s, mr
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	m, err := s.Create(ctx, CreateParams{Title: "  Standup ", HostID: "host-1", Passcode: "1234"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(m.ID) != idLength || !m.HasPasscode || m.Title != "Standup" {
		t.Fatalf("unexpected meeting %+v", m)
	}

	stored := mr.HGet("meetsync:meetings:"+m.ID, "passcode_hash")
	if stored == "" || strings.Contains(stored, "1234") {
		t.Fatalf("passcode not hashed: %q", stored)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Standup" || got.HostID != "host-1" || !got.HasPasscode {
		t.Fatalf("unexpected meeting %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt.Truncate(time.Second)) {
		t.Fatalf("createdAt=%v, want %v", got.CreatedAt, m.CreatedAt)
	}
}

func TestCreateDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	m, err := s.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Title != defaultTitle || m.HasPasscode {
		t.Fatalf("unexpected meeting %+v", m)
	}
	if _, err := s.Create(context.Background(), CreateParams{Passcode: strings.Repeat("x", 73)}); !errors.Is(err, ErrPasscodeTooLong) {
		t.Fatalf("err=%v", err)
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	locked, _ := s.Create(ctx, CreateParams{Passcode: "secret"})
	open, _ := s.Create(ctx, CreateParams{})

	tests := []struct {
		name     string
		id       string
		passcode string
		wantErr  error
	}{
		{"correct passcode", locked.ID, "secret", nil},
		{"wrong passcode", locked.ID, "nope", ErrInvalidPasscode},
		{"missing passcode", locked.ID, "", ErrInvalidPasscode},
		{"open meeting", open.ID, "", nil},
		{"open meeting ignores passcode", open.ID, "anything", nil},
		{"unknown meeting", "doesnotexist", "", ErrNotFound},
		{"blank id", "  ", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := s.Validate(ctx, tt.id, tt.passcode)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v, want %v", err, tt.wantErr)
			}
			if err == nil && m.ID != tt.id {
				t.Fatalf("id=%q, want %q", m.ID, tt.id)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{})

	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
	if _, err := s.Get(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err=%v", err)
	}
}

func TestPartialRecordIsNotAdmitted(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	mr.HSet("meetsync:meetings:half", "id", "half")

	if _, err := s.Validate(ctx, "half", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("validate err=%v, want ErrNotFound", err)
	}
}

func TestCreateFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	mr.SetError("ERR unavailable")
	if _, err := s.Create(ctx, CreateParams{Passcode: "1234"}); err == nil {
		t.Fatalf("expected create to fail")
	}
	mr.SetError("")
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys after failed create: %v", keys)
	}
}
