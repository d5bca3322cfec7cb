package session

import (
	"slices"
	"sync"
)

// Flag names one of the per-participant state flags that members toggle.
type Flag int

const (
	FlagAudio Flag = iota
	FlagVideo
	FlagScreen
)

func (f Flag) String() string {
	switch f {
	case FlagAudio:
		return "audio"
	case FlagVideo:
		return "video"
	case FlagScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Participant is a connection's membership record inside one room.
type Participant struct {
	ConnectionID   string
	DisplayName    string
	ExternalUserID *string
	Audio          bool
	Video          bool
	Screen         bool
}

func (p Participant) flag(kind Flag) bool {
	switch kind {
	case FlagAudio:
		return p.Audio
	case FlagVideo:
		return p.Video
	default:
		return p.Screen
	}
}

func (p *Participant) setFlag(kind Flag, v bool) {
	switch kind {
	case FlagAudio:
		p.Audio = v
	case FlagVideo:
		p.Video = v
	default:
		p.Screen = v
	}
}

type room struct {
	mu      sync.Mutex
	order   []string
	members map[string]*Participant
}

func (r *room) snapshotLocked(skip string) []Participant {
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		if id == skip {
			continue
		}
		out = append(out, *r.members[id])
	}
	return out
}

func (r *room) removeLocked(connID string) {
	delete(r.members, connID)
	if i := slices.Index(r.order, connID); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// Registry owns per-room participant state keyed by room id.
//
// Membership changes (Join, Leave) hold the registry lock exclusively, so a
// room is created and deleted atomically with the participant that caused it.
// Flag changes and snapshots hold the registry lock shared plus the room lock,
// which keeps toggles linearizable per room without serializing unrelated
// rooms. No method performs I/O.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[string]string),
	}
}

// Join admits connID into roomID and returns the other current participants
// in join order. A connection that already belongs to a room (including
// roomID itself) is removed from it first; left reports that prior room id so
// callers can announce the departure.
func (r *Registry) Join(connID, roomID, displayName string, externalUserID *string) (existing []Participant, left string) {
	return r.JoinFunc(connID, roomID, displayName, externalUserID, nil)
}

// JoinFunc is Join with a hook that runs with existing before the registry
// lock is released. Anything the hook enqueues for the joiner is ordered ahead
// of every message sent by a later membership change in any room. admitted
// must not call back into the registry.
func (r *Registry) JoinFunc(connID, roomID, displayName string, externalUserID *string, admitted func(existing []Participant)) (existing []Participant, left string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.byConn[connID]; ok {
		r.removeLocked(connID, prior)
		left = prior
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]*Participant)}
		r.rooms[roomID] = rm
	}

	var ext *string
	if externalUserID != nil {
		v := *externalUserID
		ext = &v
	}

	rm.mu.Lock()
	existing = rm.snapshotLocked("")
	rm.members[connID] = &Participant{
		ConnectionID:   connID,
		DisplayName:    displayName,
		ExternalUserID: ext,
		Audio:          true,
		Video:          true,
	}
	rm.order = append(rm.order, connID)
	rm.mu.Unlock()

	r.byConn[connID] = roomID
	if admitted != nil {
		admitted(existing)
	}
	return existing, left
}

// Leave removes connID from roomID. It reports whether anything was removed;
// removing a non-member is a no-op.
func (r *Registry) Leave(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byConn[connID]; !ok || cur != roomID {
		return false
	}
	r.removeLocked(connID, roomID)
	return true
}

func (r *Registry) removeLocked(connID, roomID string) {
	delete(r.byConn, connID)
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	rm.removeLocked(connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, roomID)
	}
}

// SetFlag updates one state flag for connID in roomID and returns the previous
// value. ok is false, and nothing changes, when connID is not a member of
// roomID.
func (r *Registry) SetFlag(connID, roomID string, kind Flag, value bool) (prev bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cur, member := r.byConn[connID]; !member || cur != roomID {
		return false, false
	}
	rm := r.rooms[roomID]
	rm.mu.Lock()
	defer rm.mu.Unlock()

	p := rm.members[connID]
	prev = p.flag(kind)
	p.setFlag(kind, value)
	return prev, true
}

// Snapshot returns the current participants of roomID in join order.
func (r *Registry) Snapshot(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked("")
}

// Member returns connID's record if it currently belongs to roomID.
func (r *Registry) Member(connID, roomID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cur, ok := r.byConn[connID]; !ok || cur != roomID {
		return Participant{}, false
	}
	rm := r.rooms[roomID]
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return *rm.members[connID], true
}

// RoomOf returns the room connID currently belongs to.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Stats reports the number of live rooms and participants.
func (r *Registry) Stats() (rooms, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.byConn)
}
