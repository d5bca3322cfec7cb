package negotiation

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DefaultMaxPendingCandidates bounds candidates buffered before a remote
// description is applied.
const DefaultMaxPendingCandidates = 128

var (
	ErrOutOfState          = errors.New("negotiation: message not valid in current state")
	ErrClosed              = errors.New("negotiation: session closed")
	ErrCandidateBufferFull = errors.New("negotiation: pending candidate buffer full")
	ErrIncompatibleTrack   = errors.New("negotiation: track incompatible with negotiated parameters")
	ErrGlare               = errors.New("negotiation: offer collision")
)

// State is the position of one side of a pair in the offer/answer exchange.
type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateOfferReceived
	StateAnswerCreated
	StateAnswerReceived
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferCreated:
		return "offer-created"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerCreated:
		return "answer-created"
	case StateAnswerReceived:
		return "answer-received"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport is the local media stack for one pair. CreateOffer and
// CreateAnswer also apply the result as the local description.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// Rollback discards a pending local offer.
	Rollback() error
	// ReplaceTrack swaps the outgoing track of kind in place. It returns
	// ErrIncompatibleTrack, without side effects, when the new track cannot
	// reuse the negotiated parameters.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	// AddTrack sends track on a fresh sender, replacing any sender of the
	// same kind. The change takes effect after the next offer/answer.
	AddTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	Close() error
}

// Signaler delivers negotiation messages to the remote side.
type Signaler interface {
	SendOffer(to string, desc webrtc.SessionDescription) error
	SendAnswer(to string, desc webrtc.SessionDescription) error
	SendCandidate(to string, c webrtc.ICECandidateInit) error
}

// Config wires a Session.
type Config struct {
	RemoteID  string
	Transport Transport
	Signaler  Signaler
	// Polite sides roll back their own offer on collision; impolite sides
	// ignore the incoming one.
	Polite bool
	// MaxPendingCandidates defaults to DefaultMaxPendingCandidates.
	MaxPendingCandidates int
	// Renegotiate enables a full offer/answer when ReplaceTrack reports the
	// new track incompatible. Without it the substitution fails.
	Renegotiate   bool
	Logger        *log.Logger
	OnStateChange func(State)
}

// Session drives one side of the negotiation with a single remote
// connection. All methods are safe for concurrent use.
type Session struct {
	mu            sync.Mutex
	cfg           Config
	logger        *log.Logger
	state         State
	remoteApplied bool
	pending       []webrtc.ICECandidateInit
}

// NewSession returns a Session in StateIdle.
func NewSession(cfg Config) *Session {
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Session{cfg: cfg, logger: logger}
}

func (s *Session) RemoteID() string {
	return s.cfg.RemoteID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of buffered remote candidates.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// fault logs a discarded message and returns err for the caller.
func (s *Session) fault(what string, err error) error {
	s.logger.Printf("negotiation: %s from %s discarded in %s: %v", what, s.cfg.RemoteID, s.state, err)
	return err
}

// Start makes this side the initiator: it creates and sends an offer.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateIdle:
		return s.offerLocked()
	default:
		return ErrOutOfState
	}
}

// Renegotiate sends a fresh offer on a stable session.
func (s *Session) Renegotiate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateStable:
		return s.offerLocked()
	default:
		return ErrOutOfState
	}
}

func (s *Session) offerLocked() error {
	offer, err := s.cfg.Transport.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	s.setState(StateOfferCreated)
	if err := s.cfg.Signaler.SendOffer(s.cfg.RemoteID, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleOffer applies a remote offer and answers it. Offers are accepted in
// Idle (first negotiation) and Stable (renegotiation).
func (s *Session) HandleOffer(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return s.fault("offer", ErrClosed)
	case StateIdle, StateStable:
	case StateOfferCreated:
		if !s.cfg.Polite {
			return s.fault("offer", ErrGlare)
		}
		if err := s.cfg.Transport.Rollback(); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	default:
		return s.fault("offer", ErrOutOfState)
	}

	if err := s.cfg.Transport.SetRemoteDescription(desc); err != nil {
		return s.fault("offer", err)
	}
	s.setState(StateOfferReceived)
	s.remoteApplied = true
	s.flushLocked()

	answer, err := s.cfg.Transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	s.setState(StateAnswerCreated)
	if err := s.cfg.Signaler.SendAnswer(s.cfg.RemoteID, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.setState(StateStable)
	return nil
}

// HandleAnswer applies the remote answer to our outstanding offer.
func (s *Session) HandleAnswer(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return s.fault("answer", ErrClosed)
	case StateOfferCreated:
	default:
		return s.fault("answer", ErrOutOfState)
	}

	if err := s.cfg.Transport.SetRemoteDescription(desc); err != nil {
		return s.fault("answer", err)
	}
	s.setState(StateAnswerReceived)
	s.remoteApplied = true
	s.flushLocked()
	s.setState(StateStable)
	return nil
}

// HandleCandidate applies a remote ICE candidate, or buffers it until the
// remote description lands.
func (s *Session) HandleCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return s.fault("candidate", ErrClosed)
	}
	if !s.remoteApplied {
		if len(s.pending) >= s.cfg.MaxPendingCandidates {
			return s.fault("candidate", ErrCandidateBufferFull)
		}
		s.pending = append(s.pending, c)
		return nil
	}
	if err := s.cfg.Transport.AddICECandidate(c); err != nil {
		return s.fault("candidate", err)
	}
	return nil
}

func (s *Session) flushLocked() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.cfg.Transport.AddICECandidate(c); err != nil {
			s.logger.Printf("negotiation: buffered candidate from %s rejected: %v", s.cfg.RemoteID, err)
		}
	}
}

// ReplaceTrack substitutes the outgoing track of kind on a stable session,
// for example switching video between camera and screen. The swap happens in
// place; if the transport reports the track incompatible and renegotiation is
// enabled, the track goes on a new sender and a fresh offer is sent.
func (s *Session) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateStable:
	default:
		return ErrOutOfState
	}

	err := s.cfg.Transport.ReplaceTrack(kind, track)
	if err == nil || !errors.Is(err, ErrIncompatibleTrack) || !s.cfg.Renegotiate {
		return err
	}
	if err := s.cfg.Transport.AddTrack(kind, track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return s.offerLocked()
}

// Close ends the session and discards buffered candidates. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.pending = nil
	s.setState(StateClosed)
	return s.cfg.Transport.Close()
}
