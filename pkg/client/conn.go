// Package client is a Go participant for the meeting signaling service: a
// control connection plus a mesh of per-peer negotiation sessions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"meetsync/pkg/webrtc/negotiation"
	"meetsync/pkg/webrtc/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingSize   = 256
	eventsSize     = 64
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("client: connection closed")

// Conn is a control connection to the signaling service.
type Conn struct {
	conn       *websocket.Conn
	id         string
	iceServers []protocol.ICEServer
	logger     *log.Logger

	events    chan protocol.Envelope
	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ negotiation.Signaler = (*Conn)(nil)

// Dial connects to url and waits for the welcome message carrying this
// connection's id.
func Dial(ctx context.Context, url string, header http.Header, logger *log.Logger) (*Conn, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var welcome protocol.Envelope
	if err := ws.ReadJSON(&welcome); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.ConnectionID == "" {
		ws.Close()
		return nil, fmt.Errorf("unexpected first message %q", welcome.Type)
	}

	c := &Conn{
		conn:       ws,
		id:         welcome.ConnectionID,
		iceServers: welcome.ICEServers,
		logger:     logger,
		events:     make(chan protocol.Envelope, eventsSize),
		outgoing:   make(chan []byte, outgoingSize),
		done:       make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// ID is the connection id assigned by the server.
func (c *Conn) ID() string {
	return c.id
}

// ICEServers are the STUN/TURN servers advertised in the welcome message.
func (c *Conn) ICEServers() []protocol.ICEServer {
	return c.iceServers
}

// Events delivers server messages in arrival order. It is closed when the
// connection ends.
func (c *Conn) Events() <-chan protocol.Envelope {
	return c.events
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg protocol.Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Printf("client: read error: %v", err)
				}
			}
			return
		}
		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Printf("client: write error: %v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Send queues v for delivery, blocking while the outgoing buffer is full.
func (c *Conn) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close ends the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Join(roomID, displayName string, externalUserID *string) error {
	return c.Send(protocol.InboundMessage{
		Type:           protocol.TypeJoinRoom,
		RoomID:         roomID,
		DisplayName:    displayName,
		ExternalUserID: externalUserID,
	})
}

func (c *Conn) Leave(roomID string) error {
	return c.Send(protocol.InboundMessage{Type: protocol.TypeLeaveRoom, RoomID: roomID})
}

func (c *Conn) ToggleAudio(enabled bool) error {
	return c.Send(protocol.InboundMessage{Type: protocol.TypeToggleAudio, Enabled: &enabled})
}

func (c *Conn) ToggleVideo(enabled bool) error {
	return c.Send(protocol.InboundMessage{Type: protocol.TypeToggleVideo, Enabled: &enabled})
}

func (c *Conn) StartScreenShare() error {
	return c.Send(protocol.InboundMessage{Type: protocol.TypeStartScreenShare})
}

func (c *Conn) StopScreenShare() error {
	return c.Send(protocol.InboundMessage{Type: protocol.TypeStopScreenShare})
}

func (c *Conn) Chat(text string) error {
	return c.Send(protocol.InboundMessage{Type: protocol.TypeChatMessage, Text: text})
}

func (c *Conn) SendOffer(to string, desc webrtc.SessionDescription) error {
	return c.sendDescription(protocol.TypeOffer, to, desc)
}

func (c *Conn) SendAnswer(to string, desc webrtc.SessionDescription) error {
	return c.sendDescription(protocol.TypeAnswer, to, desc)
}

func (c *Conn) sendDescription(kind, to string, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.Send(protocol.InboundMessage{Type: kind, To: to, Description: raw})
}

func (c *Conn) SendCandidate(to string, cand webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return c.Send(protocol.InboundMessage{Type: protocol.TypeICECandidate, To: to, Candidate: raw})
}
