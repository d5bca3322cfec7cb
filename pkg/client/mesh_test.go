package client

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"meetsync/pkg/session"
	"meetsync/pkg/webrtc/negotiation"
	"meetsync/pkg/webrtc/protocol"
	"meetsync/pkg/webrtc/signaling"
)

type stubTransport struct {
	mu          sync.Mutex
	onCandidate func(webrtc.ICECandidateInit)
	candidates  int
}

func (s *stubTransport) CreateOffer() (webrtc.SessionDescription, error) {
	s.onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (s *stubTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	s.onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 127.0.0.1 9 typ host"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (s *stubTransport) SetRemoteDescription(webrtc.SessionDescription) error { return nil }

func (s *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	s.mu.Lock()
	s.candidates++
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Rollback() error { return nil }

func (s *stubTransport) ReplaceTrack(webrtc.RTPCodecType, webrtc.TrackLocal) error { return nil }

func (s *stubTransport) AddTrack(webrtc.RTPCodecType, webrtc.TrackLocal) error { return nil }

func (s *stubTransport) Close() error { return nil }

func stubFactory(remoteID string, onCandidate func(webrtc.ICECandidateInit)) (negotiation.Transport, error) {
	return &stubTransport{onCandidate: onCandidate}, nil
}

func newServer(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(session.NewRegistry(), signaling.HubOptions{
		Logger: log.New(io.Discard, "", 0),
	})
	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialMesh(t *testing.T, ctx context.Context, url string, onEvent func(protocol.Envelope)) (*Conn, *Mesh) {
	t.Helper()
	conn, err := Dial(ctx, url, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(conn.Close)
	mesh := NewMesh(conn, MeshOptions{Transport: stubFactory, OnEvent: onEvent})
	go mesh.Run(ctx)
	return conn, mesh
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDialReceivesWelcome(t *testing.T) {
	url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if conn.ID() == "" {
		t.Fatalf("missing connection id")
	}
}

func TestMeshPairReachesStable(t *testing.T) {
	url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	joined := make(chan struct{}, 1)
	a, meshA := dialMesh(t, ctx, url, func(ev protocol.Envelope) {
		if ev.Type == protocol.TypeExistingMembers {
			joined <- struct{}{}
		}
	})
	b, meshB := dialMesh(t, ctx, url, nil)

	if err := a.Join("room", "Ann", nil); err != nil {
		t.Fatalf("join a: %v", err)
	}
	select {
	case <-joined:
	case <-ctx.Done():
		t.Fatalf("a never joined")
	}
	if err := b.Join("room", "Bob", nil); err != nil {
		t.Fatalf("join b: %v", err)
	}

	waitFor(t, "both sides stable", func() bool {
		return meshA.States()[b.ID()] == negotiation.StateStable &&
			meshB.States()[a.ID()] == negotiation.StateStable
	})

	if err := b.Leave("room"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "a to drop b", func() bool {
		_, ok := meshA.States()[b.ID()]
		return !ok
	})
}

func TestChatRoundTrip(t *testing.T) {
	url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chats := make(chan protocol.Envelope, 1)
	members := make(chan struct{}, 1)
	a, _ := dialMesh(t, ctx, url, func(ev protocol.Envelope) {
		switch ev.Type {
		case protocol.TypeExistingMembers:
			members <- struct{}{}
		case protocol.TypeChatMessage:
			chats <- ev
		}
	})
	if err := a.Join("room", "Ann", nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	<-members
	if err := a.Chat("hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	select {
	case ev := <-chats:
		if ev.Text != "hello" || ev.SenderDisplayName != "Ann" || ev.SenderConnectionID != a.ID() {
			t.Fatalf("unexpected chat %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no chat echo")
	}
}

func TestSendAfterClose(t *testing.T) {
	url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, url, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
	if err := conn.Chat("x"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type countingFactory struct {
	mu   sync.Mutex
	made int
}

func (f *countingFactory) build(remoteID string, onCandidate func(webrtc.ICECandidateInit)) (negotiation.Transport, error) {
	f.mu.Lock()
	f.made++
	f.mu.Unlock()
	return &stubTransport{onCandidate: onCandidate}, nil
}

// offlineConn is a Conn with no socket; sends accumulate in its buffer.
func offlineConn(id string) *Conn {
	return &Conn{
		id:       id,
		logger:   log.New(io.Discard, "", 0),
		events:   make(chan protocol.Envelope, eventsSize),
		outgoing: make(chan []byte, 1024),
		done:     make(chan struct{}),
	}
}

var offerJSON = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func TestExistingMembersAfterOfferKeepsAnsweredPeer(t *testing.T) {
	f := &countingFactory{}
	m := NewMesh(offlineConn("a"), MeshOptions{Transport: f.build})

	m.handle(protocol.Envelope{Type: protocol.TypeOffer, From: "b", Description: offerJSON})
	if st := m.States()["b"]; st != negotiation.StateStable {
		t.Fatalf("b state=%s, want stable", st)
	}

	m.handle(protocol.Envelope{Type: protocol.TypeExistingMembers, RoomID: "r1"})
	if st, ok := m.States()["b"]; !ok || st != negotiation.StateStable {
		t.Fatalf("answered session reset by existing-members: %s (present=%v)", st, ok)
	}

	m.handle(protocol.Envelope{Type: protocol.TypeExistingMembers, RoomID: "r2",
		Members: []protocol.Member{{ConnectionID: "c"}}})
	states := m.States()
	if _, ok := states["b"]; ok {
		t.Fatalf("session from previous room survived a room change")
	}
	if _, ok := states["c"]; !ok {
		t.Fatalf("no session towards existing member c")
	}
}

func TestStrayCandidateDoesNotOpenSession(t *testing.T) {
	f := &countingFactory{}
	m := NewMesh(offlineConn("a"), MeshOptions{Transport: f.build})

	m.handle(protocol.Envelope{Type: protocol.TypeMemberJoined, ConnectionID: "b"})
	m.handle(protocol.Envelope{Type: protocol.TypeMemberLeft, ConnectionID: "b"})
	m.handle(protocol.Envelope{Type: protocol.TypeICECandidate, From: "b", Candidate: json.RawMessage(`{"candidate":"x"}`)})
	m.handle(protocol.Envelope{Type: protocol.TypeAnswer, From: "b", Description: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})

	if states := m.States(); len(states) != 0 {
		t.Fatalf("states=%v, want none", states)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.made != 1 {
		t.Fatalf("transports built=%d, want 1", f.made)
	}
}
