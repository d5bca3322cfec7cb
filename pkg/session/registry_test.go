package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func ids(ps []Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ConnectionID)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoinReturnsOtherMembersInOrder(t *testing.T) {
	r := NewRegistry()

	existing, left := r.Join("a", "r1", "Alice", nil)
	if len(existing) != 0 || left != "" {
		t.Fatalf("first join: existing=%v left=%q", existing, left)
	}

	uid := "user-b"
	existing, _ = r.Join("b", "r1", "Bob", &uid)
	if got := ids(existing); !equalIDs(got, []string{"a"}) {
		t.Fatalf("existing=%v, want [a]", got)
	}
	if !existing[0].Audio || !existing[0].Video || existing[0].Screen {
		t.Fatalf("default flags wrong: %+v", existing[0])
	}

	existing, _ = r.Join("c", "r1", "Carol", nil)
	if got := ids(existing); !equalIDs(got, []string{"a", "b"}) {
		t.Fatalf("existing=%v, want [a b]", got)
	}
	if existing[1].ExternalUserID == nil || *existing[1].ExternalUserID != "user-b" {
		t.Fatalf("external id not recorded: %+v", existing[1])
	}

	uid = "mutated"
	if p, _ := r.Member("b", "r1"); *p.ExternalUserID != "user-b" {
		t.Fatalf("registry aliased caller's external id")
	}
}

func TestJoinMovesConnectionBetweenRooms(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "r1", "Alice", nil)
	r.Join("b", "r1", "Bob", nil)

	existing, left := r.Join("a", "r2", "Alice", nil)
	if left != "r1" {
		t.Fatalf("left=%q, want r1", left)
	}
	if len(existing) != 0 {
		t.Fatalf("existing=%v, want empty", existing)
	}
	if got := ids(r.Snapshot("r1")); !equalIDs(got, []string{"b"}) {
		t.Fatalf("r1=%v, want [b]", got)
	}
	if room, _ := r.RoomOf("a"); room != "r2" {
		t.Fatalf("RoomOf(a)=%q", room)
	}
}

func TestEmptyRoomIsDeleted(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "r1", "Alice", nil)
	r.SetFlag("a", "r1", FlagVideo, false)

	if !r.Leave("a", "r1") {
		t.Fatalf("leave reported no-op")
	}
	if rooms, participants := r.Stats(); rooms != 0 || participants != 0 {
		t.Fatalf("stats=(%d,%d), want (0,0)", rooms, participants)
	}
	if snap := r.Snapshot("r1"); len(snap) != 0 {
		t.Fatalf("snapshot=%v, want empty", snap)
	}

	existing, _ := r.Join("b", "r1", "Bob", nil)
	if len(existing) != 0 {
		t.Fatalf("fresh room had history: %v", existing)
	}
	if p, _ := r.Member("b", "r1"); !p.Video {
		t.Fatalf("fresh room carried stale flag state")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "r1", "Alice", nil)
	r.Join("b", "r1", "Bob", nil)

	if !r.Leave("a", "r1") {
		t.Fatalf("first leave should remove")
	}
	if r.Leave("a", "r1") {
		t.Fatalf("second leave should be a no-op")
	}
	if r.Leave("zzz", "r1") {
		t.Fatalf("leave of a stranger should be a no-op")
	}
	if r.Leave("b", "other") {
		t.Fatalf("leave of the wrong room should be a no-op")
	}
	if got := ids(r.Snapshot("r1")); !equalIDs(got, []string{"b"}) {
		t.Fatalf("r1=%v, want [b]", got)
	}
}

func TestSetFlag(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "r1", "Alice", nil)
	r.Join("b", "r2", "Bob", nil)

	tests := []struct {
		name     string
		conn     string
		room     string
		kind     Flag
		value    bool
		wantPrev bool
		wantOK   bool
	}{
		{"video off", "a", "r1", FlagVideo, false, true, true},
		{"video off again", "a", "r1", FlagVideo, false, false, true},
		{"screen on", "a", "r1", FlagScreen, true, false, true},
		{"non member", "b", "r1", FlagAudio, false, false, false},
		{"unknown conn", "x", "r1", FlagAudio, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, ok := r.SetFlag(tt.conn, tt.room, tt.kind, tt.value)
			if prev != tt.wantPrev || ok != tt.wantOK {
				t.Fatalf("SetFlag=(%v,%v), want (%v,%v)", prev, ok, tt.wantPrev, tt.wantOK)
			}
		})
	}

	snap := r.Snapshot("r1")
	if len(snap) != 1 || snap[0].Video || !snap[0].Screen || !snap[0].Audio {
		t.Fatalf("snapshot=%+v", snap)
	}
	if p, _ := r.Member("b", "r2"); !p.Audio {
		t.Fatalf("non-member toggle mutated b")
	}
}

func TestConcurrentJoinLeaveKeepsMembershipExact(t *testing.T) {
	r := NewRegistry()
	const workers = 32
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", w)
			for i := 0; i < rounds; i++ {
				r.Join(id, "r1", id, nil)
				r.SetFlag(id, "r1", FlagAudio, i%2 == 0)
				if i%3 == 0 {
					r.Join(id, "r2", id, nil)
				}
				r.Leave(id, "r1")
				r.Leave(id, "r2")
			}
			// Odd workers end inside the room.
			if w%2 == 1 {
				r.Join(id, "r1", id, nil)
			}
		}(w)
	}
	wg.Wait()

	snap := r.Snapshot("r1")
	if len(snap) != workers/2 {
		t.Fatalf("room size=%d, want %d", len(snap), workers/2)
	}
	seen := make(map[string]bool)
	for _, p := range snap {
		if seen[p.ConnectionID] {
			t.Fatalf("participant %s counted twice", p.ConnectionID)
		}
		seen[p.ConnectionID] = true
	}
	for w := 1; w < workers; w += 2 {
		if !seen[fmt.Sprintf("c%d", w)] {
			t.Fatalf("c%d missing from room", w)
		}
	}
	if rooms, participants := r.Stats(); rooms != 1 || participants != workers/2 {
		t.Fatalf("stats=(%d,%d)", rooms, participants)
	}
}

func TestConcurrentJoinsOfDistinctConnections(t *testing.T) {
	r := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Join(fmt.Sprintf("c%d", i), "r1", "x", nil)
		}(i)
	}
	wg.Wait()

	if got := len(r.Snapshot("r1")); got != n {
		t.Fatalf("room size=%d, want %d", got, n)
	}
}

func TestJoinFuncHookRunsBeforeLaterJoins(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "r1", "Alice", nil)

	bJoined := make(chan struct{})
	var hookExisting []Participant
	var bVisibleInHook bool
	r.JoinFunc("c", "r1", "Carol", nil, func(existing []Participant) {
		hookExisting = existing
		go func() {
			r.Join("b", "r1", "Bob", nil)
			close(bJoined)
		}()
		select {
		case <-bJoined:
			bVisibleInHook = true
		case <-time.After(50 * time.Millisecond):
		}
	})
	<-bJoined

	if bVisibleInHook {
		t.Fatalf("concurrent join completed while the hook held the registry")
	}
	if !equalIDs(ids(hookExisting), []string{"a"}) {
		t.Fatalf("hook existing=%v, want [a]", ids(hookExisting))
	}
	if got := ids(r.Snapshot("r1")); !equalIDs(got, []string{"a", "c", "b"}) {
		t.Fatalf("r1=%v, want [a c b]", got)
	}
}
