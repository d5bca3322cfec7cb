package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"meetsync/pkg/webrtc/negotiation"
	"meetsync/pkg/webrtc/protocol"
)

// TransportFactory builds the media transport for one remote connection.
// onCandidate must be called for every locally gathered candidate.
type TransportFactory func(remoteID string, onCandidate func(webrtc.ICECandidateInit)) (negotiation.Transport, error)

// MeshOptions configures a Mesh.
type MeshOptions struct {
	Transport            TransportFactory
	MaxPendingCandidates int
	Renegotiate          bool
	Logger               *log.Logger
	// OnEvent sees every server message after the mesh has handled it.
	OnEvent       func(protocol.Envelope)
	OnStateChange func(remoteID string, st negotiation.State)
}

// Mesh keeps one negotiation session per remote participant in the current
// room. The joining side initiates towards everyone already present.
type Mesh struct {
	conn   *Conn
	opts   MeshOptions
	logger *log.Logger

	mu       sync.Mutex
	room     string
	sessions map[string]*negotiation.Session
}

func NewMesh(conn *Conn, opts MeshOptions) *Mesh {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Mesh{
		conn:     conn,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*negotiation.Session),
	}
}

// Run handles server events until the connection ends or ctx is done. All
// sessions are closed on return.
func (m *Mesh) Run(ctx context.Context) error {
	defer m.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.conn.Events():
			if !ok {
				return ErrClosed
			}
			m.handle(ev)
			if m.opts.OnEvent != nil {
				m.opts.OnEvent(ev)
			}
		}
	}
}

// States reports the negotiation state per remote connection id.
func (m *Mesh) States() map[string]negotiation.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]negotiation.State, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.State()
	}
	return out
}

// ReplaceTrack substitutes the outgoing track of kind towards every peer.
func (m *Mesh) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	m.mu.Lock()
	sessions := make([]*negotiation.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.ReplaceTrack(kind, track); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.RemoteID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mesh) handle(ev protocol.Envelope) {
	switch ev.Type {
	case protocol.TypeExistingMembers:
		m.enterRoom(ev)
		for _, member := range ev.Members {
			if member.ConnectionID == m.conn.ID() {
				continue
			}
			s, err := m.session(member.ConnectionID)
			if err != nil {
				m.logger.Printf("mesh: %v", err)
				continue
			}
			if err := s.Start(); err != nil {
				m.logger.Printf("mesh: offer to %s: %v", member.ConnectionID, err)
			}
		}
	case protocol.TypeMemberJoined:
		if _, err := m.session(ev.ConnectionID); err != nil {
			m.logger.Printf("mesh: %v", err)
		}
	case protocol.TypeMemberLeft:
		m.drop(ev.ConnectionID)
	case protocol.TypeOffer, protocol.TypeAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(ev.Description, &desc); err != nil {
			m.logger.Printf("mesh: bad %s from %s: %v", ev.Type, ev.From, err)
			return
		}
		if ev.Type == protocol.TypeAnswer {
			if s := m.lookup(ev.From); s != nil {
				_ = s.HandleAnswer(desc)
			}
			return
		}
		s, err := m.session(ev.From)
		if err != nil {
			m.logger.Printf("mesh: %v", err)
			return
		}
		_ = s.HandleOffer(desc)
	case protocol.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(ev.Candidate, &cand); err != nil {
			m.logger.Printf("mesh: bad candidate from %s: %v", ev.From, err)
			return
		}
		// Candidates never open a session; a late one from a departed peer
		// is discarded.
		if s := m.lookup(ev.From); s != nil {
			_ = s.HandleCandidate(cand)
		}
	case protocol.TypeError:
		m.logger.Printf("mesh: server rejected %s: %s", ev.Request, ev.Message)
	}
}

// enterRoom resets the mesh for an existing-members snapshot. Moving from
// one room to another closes every session. Otherwise only the listed
// members are reset, since the mesh is about to offer to them; sessions with
// peers that joined later are kept.
func (m *Mesh) enterRoom(ev protocol.Envelope) {
	m.mu.Lock()
	prev := m.room
	m.room = ev.RoomID
	if prev != "" && prev != ev.RoomID {
		m.mu.Unlock()
		m.closeAll()
		return
	}
	var stale []*negotiation.Session
	for _, member := range ev.Members {
		if s, ok := m.sessions[member.ConnectionID]; ok {
			stale = append(stale, s)
			delete(m.sessions, member.ConnectionID)
		}
	}
	m.mu.Unlock()
	for _, s := range stale {
		_ = s.Close()
	}
}

func (m *Mesh) lookup(remoteID string) *negotiation.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[remoteID]
}

// session returns the session for remoteID, creating it on first use.
func (m *Mesh) session(remoteID string) (*negotiation.Session, error) {
	if remoteID == "" {
		return nil, errors.New("message without sender")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[remoteID]; ok {
		return s, nil
	}
	if m.opts.Transport == nil {
		return nil, errors.New("no transport factory configured")
	}
	tr, err := m.opts.Transport(remoteID, func(c webrtc.ICECandidateInit) {
		if err := m.conn.SendCandidate(remoteID, c); err != nil {
			m.logger.Printf("mesh: candidate to %s: %v", remoteID, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("transport for %s: %w", remoteID, err)
	}
	cfg := negotiation.Config{
		RemoteID:             remoteID,
		Transport:            tr,
		Signaler:             m.conn,
		Polite:               m.conn.ID() < remoteID,
		MaxPendingCandidates: m.opts.MaxPendingCandidates,
		Renegotiate:          m.opts.Renegotiate,
		Logger:               m.logger,
	}
	if m.opts.OnStateChange != nil {
		cfg.OnStateChange = func(st negotiation.State) { m.opts.OnStateChange(remoteID, st) }
	}
	s := negotiation.NewSession(cfg)
	m.sessions[remoteID] = s
	return s, nil
}

func (m *Mesh) drop(remoteID string) {
	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	delete(m.sessions, remoteID)
	m.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

func (m *Mesh) closeAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*negotiation.Session)
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
