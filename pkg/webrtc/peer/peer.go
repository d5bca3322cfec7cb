// Package peer adapts a pion PeerConnection to the negotiation.Transport
// contract used by meeting clients.
package peer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"meetsync/pkg/webrtc/negotiation"
)

// Options configures a Peer.
type Options struct {
	ICEServers []webrtc.ICEServer
	// API defaults to webrtc.NewAPI().
	API *webrtc.API
	// OnCandidate receives each locally gathered candidate for trickling to
	// the remote side.
	OnCandidate func(webrtc.ICECandidateInit)
	OnTrack     func(*webrtc.TrackRemote)
	// OnConnectionState is optional.
	OnConnectionState func(webrtc.PeerConnectionState)
}

// Peer is one pion PeerConnection with a sendrecv audio and video transceiver.
type Peer struct {
	pc *webrtc.PeerConnection
}

var _ negotiation.Transport = (*Peer)(nil)

func New(opts Options) (*Peer, error) {
	api := opts.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("peer: add %s transceiver: %w", kind, err)
		}
	}

	if opts.OnCandidate != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			opts.OnCandidate(c.ToJSON())
		})
	}
	if opts.OnTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			opts.OnTrack(track)
		})
	}
	if opts.OnConnectionState != nil {
		pc.OnConnectionStateChange(opts.OnConnectionState)
	}
	return &Peer{pc: pc}, nil
}

// PeerConnection exposes the underlying connection.
func (p *Peer) PeerConnection() *webrtc.PeerConnection {
	return p.pc
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) Rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *Peer) sender(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() == kind && t.Sender() != nil {
			return t.Sender()
		}
	}
	return nil
}

type codecTrack interface {
	Codec() webrtc.RTPCodecCapability
}

func (p *Peer) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	if track != nil && track.Kind() != kind {
		return fmt.Errorf("peer: %s track offered for %s sender", track.Kind(), kind)
	}
	s := p.sender(kind)
	if s == nil {
		return negotiation.ErrIncompatibleTrack
	}
	if ct, ok := track.(codecTrack); ok && !negotiated(s, ct.Codec().MimeType) {
		return negotiation.ErrIncompatibleTrack
	}
	if err := s.ReplaceTrack(track); err != nil {
		if errors.Is(err, webrtc.ErrUnsupportedCodec) {
			return fmt.Errorf("%w: %v", negotiation.ErrIncompatibleTrack, err)
		}
		return err
	}
	return nil
}

func negotiated(s *webrtc.RTPSender, mime string) bool {
	codecs := s.GetParameters().Codecs
	if len(codecs) == 0 {
		return true
	}
	for _, c := range codecs {
		if strings.EqualFold(c.MimeType, mime) {
			return true
		}
	}
	return false
}

func (p *Peer) AddTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() != kind || t.Sender() == nil || t.Sender().Track() == nil {
			continue
		}
		if err := p.pc.RemoveTrack(t.Sender()); err != nil {
			return fmt.Errorf("peer: remove %s track: %w", kind, err)
		}
	}
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("peer: add %s track: %w", kind, err)
	}
	return nil
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
