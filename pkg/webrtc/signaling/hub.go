package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meetsync/pkg/metrics"
	"meetsync/pkg/session"
	"meetsync/pkg/webrtc/protocol"
)

const (
	defaultReadLimit         = 64 * 1024
	defaultSendQueueBytes    = 1 << 20
	defaultMessagesPerSecond = 50
	pingInterval             = 40 * time.Second
	pongWait                 = 60 * time.Second
	writeTimeout             = 10 * time.Second
	upgradeReadBuffer        = 1024
	upgradeWriteBuffer       = 1024
	defaultDisplayName       = "Guest"
)

// ErrDuplicateID is returned by Accept when ConnOptions.ID is already live.
var ErrDuplicateID = errors.New("connection id already registered")

// PresenceStore is an optional mirror of room membership.
type PresenceStore interface {
	AddPeer(ctx context.Context, room, id string) error
	RemovePeer(ctx context.Context, room, id string) error
}

// FlagStore is an optional mirror of participants' media flags.
type FlagStore interface {
	RemovePeer(ctx context.Context, room, id string) error
	SetFlag(ctx context.Context, room, id, flag string, enabled bool) error
}

// UsernameStore is an optional mirror of participants' display names.
type UsernameStore interface {
	RemovePeer(ctx context.Context, room, id string) error
	SetUsername(ctx context.Context, room, id, username string) error
}

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []protocol.ICEServer
	ICEMode    string
	Logger     *log.Logger
	Upgrader   *websocket.Upgrader
	Metrics    *metrics.Metrics

	Presence  PresenceStore
	Flags     FlagStore
	Usernames UsernameStore

	// MaxMessageBytes caps a single inbound frame; larger frames close the connection.
	MaxMessageBytes int64
	// MessagesPerSecond limits inbound messages per connection; excess waits
	// for the limiter before it is handled.
	MessagesPerSecond int
	// SendQueueBytes bounds each connection's outbound backlog. A connection
	// that overflows it is disconnected.
	SendQueueBytes int
	// Now stamps chat messages (defaults to time.Now).
	Now func() time.Time
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated connection ID.
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
	// ExternalUserID is a verified user id that replaces whatever the client
	// claims in join-room.
	ExternalUserID *string
	// AllowedRoom, when set, is the only room this connection may join.
	AllowedRoom string
}

// Hub is the connection registry and signaling relay. Room membership lives
// in the session registry; the hub only routes messages between connections.
type Hub struct {
	conns      *connections
	rooms      *session.Registry
	mirror     *mirror
	metrics    *metrics.Metrics
	iceServers []protocol.ICEServer
	iceMode    string
	upgrader   websocket.Upgrader
	logger     *log.Logger

	readLimit  int64
	msgRate    int
	queueBytes int
	now        func() time.Time
}

// NewHub builds a signaling Hub on top of rooms (a fresh registry when nil).
func NewHub(rooms *session.Registry, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if rooms == nil {
		rooms = session.NewRegistry()
	}
	h := &Hub{
		conns:      newConnections(),
		rooms:      rooms,
		mirror:     newMirror(opts.Presence, opts.Flags, opts.Usernames, logger),
		metrics:    opts.Metrics,
		iceServers: opts.ICEServers,
		iceMode:    opts.ICEMode,
		upgrader:   upgrader,
		logger:     logger,
		readLimit:  opts.MaxMessageBytes,
		msgRate:    opts.MessagesPerSecond,
		queueBytes: opts.SendQueueBytes,
		now:        opts.Now,
	}
	if h.readLimit <= 0 {
		h.readLimit = defaultReadLimit
	}
	if h.msgRate <= 0 {
		h.msgRate = defaultMessagesPerSecond
	}
	if h.queueBytes <= 0 {
		h.queueBytes = defaultSendQueueBytes
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// HTTPHandler upgrades HTTP connections and registers them with the Hub.
func (h *Hub) HTTPHandler() http.Handler {
	return h.Handler(ConnOptions{})
}

// Handler is HTTPHandler with per-request connection options, used by
// admission gates that have already authenticated the caller.
func (h *Hub) Handler(opts ConnOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Printf("upgrade error: %v", err)
			return
		}
		// The HTTP request context ends when this handler returns, so it is
		// not used as the connection's parent.
		if _, err := h.Accept(conn, opts); err != nil {
			h.logger.Printf("accept error: %v", err)
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection and returns its
// connection ID.
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) (string, error) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:             id,
		conn:           conn,
		queue:          newSendQueue(h.queueBytes),
		limiter:        rate.NewLimiter(rate.Limit(h.msgRate), h.msgRate),
		externalUserID: opts.ExternalUserID,
		allowedRoom:    opts.AllowedRoom,
		ctx:            ctx,
		cancel:         cancel,
	}
	if !h.conns.add(c) {
		cancel()
		return "", ErrDuplicateID
	}
	h.metrics.ConnOpened()
	h.logger.Printf("ws: registered %s (connections=%d)", c.id, h.conns.len())

	h.sendJSON(c, protocol.WelcomeMessage{
		Type:         protocol.TypeWelcome,
		ConnectionID: c.id,
		ICEServers:   h.iceServers,
		ICEMode:      h.iceMode,
	})

	go c.writePump(h)
	go c.readPump(h)
	return c.id, nil
}

// CurrentRoom returns the room a live connection currently belongs to.
func (h *Hub) CurrentRoom(id string) (string, bool) {
	if h.conns.get(id) == nil {
		return "", false
	}
	return h.rooms.RoomOf(id)
}

// Disconnect forcibly closes a connection. Pending sends are discarded and the
// connection leaves its room as soon as its read loop exits.
func (h *Hub) Disconnect(id string) {
	if c := h.conns.get(id); c != nil {
		c.kick()
	}
}

// Shutdown disconnects every connection and stops the presence mirror.
func (h *Hub) Shutdown() {
	for _, c := range h.conns.all() {
		c.kick()
	}
	h.mirror.stop()
}

// Registry exposes the session registry backing this hub.
func (h *Hub) Registry() *session.Registry {
	return h.rooms
}

// unregister is the disconnect path: the id stops being routable, queued
// sends are dropped, then the room membership is released.
func (h *Hub) unregister(c *client) {
	if !h.conns.remove(c) {
		return
	}
	c.queue.Close()
	c.cancel()

	if room, ok := h.rooms.RoomOf(c.id); ok {
		h.leave(c, room)
	}
	h.metrics.ConnClosed()
	h.logger.Printf("ws: unregistered %s (connections=%d)", c.id, h.conns.len())
}

func (h *Hub) handleInbound(c *client, msg protocol.InboundMessage) {
	switch msg.Type {
	case protocol.TypeJoinRoom:
		h.join(c, msg)
	case protocol.TypeLeaveRoom:
		room, ok := h.rooms.RoomOf(c.id)
		if !ok || (msg.RoomID != "" && msg.RoomID != room) {
			return
		}
		h.leave(c, room)
	case protocol.TypeOffer, protocol.TypeAnswer:
		if msg.To == "" || len(msg.Description) == 0 {
			h.metrics.Dropped(metrics.DropBadPayload)
			return
		}
		h.forwardSignal(c.id, protocol.SignalMessage{
			Type:        msg.Type,
			From:        c.id,
			To:          msg.To,
			Description: msg.Description,
		})
	case protocol.TypeICECandidate:
		if msg.To == "" || len(msg.Candidate) == 0 {
			h.metrics.Dropped(metrics.DropBadPayload)
			return
		}
		h.forwardSignal(c.id, protocol.SignalMessage{
			Type:      msg.Type,
			From:      c.id,
			To:        msg.To,
			Candidate: msg.Candidate,
		})
	case protocol.TypeToggleAudio:
		if msg.Enabled == nil {
			h.metrics.Dropped(metrics.DropBadPayload)
			return
		}
		h.updateFlag(c, h.roomFor(c, msg), session.FlagAudio, *msg.Enabled)
	case protocol.TypeToggleVideo:
		if msg.Enabled == nil {
			h.metrics.Dropped(metrics.DropBadPayload)
			return
		}
		h.updateFlag(c, h.roomFor(c, msg), session.FlagVideo, *msg.Enabled)
	case protocol.TypeStartScreenShare:
		h.updateFlag(c, h.roomFor(c, msg), session.FlagScreen, true)
	case protocol.TypeStopScreenShare:
		h.updateFlag(c, h.roomFor(c, msg), session.FlagScreen, false)
	case protocol.TypeChatMessage:
		h.chat(c, h.roomFor(c, msg), msg.Text)
	default:
		h.logger.Printf("unknown message type from %s: %s", c.id, msg.Type)
		h.metrics.Dropped(metrics.DropBadPayload)
	}
}

// roomFor resolves the room a message refers to, defaulting to the sender's
// current room when the client omitted it.
func (h *Hub) roomFor(c *client, msg protocol.InboundMessage) string {
	if msg.RoomID != "" {
		return msg.RoomID
	}
	room, _ := h.rooms.RoomOf(c.id)
	return room
}

func (h *Hub) join(c *client, msg protocol.InboundMessage) {
	roomID := strings.TrimSpace(msg.RoomID)
	if roomID == "" {
		h.sendJSON(c, protocol.ErrorMessage{Type: protocol.TypeError, Request: msg.Type, Message: "missing roomId"})
		return
	}
	if c.allowedRoom != "" && roomID != c.allowedRoom {
		h.logger.Printf("ws: %s not admitted to room %s", c.id, roomID)
		h.metrics.Dropped(metrics.DropNotAdmitted)
		h.sendJSON(c, protocol.ErrorMessage{Type: protocol.TypeError, Request: msg.Type, Message: "not admitted to room"})
		return
	}
	name := strings.TrimSpace(msg.DisplayName)
	if name == "" {
		name = defaultDisplayName
	}
	ext := msg.ExternalUserID
	if c.externalUserID != nil {
		ext = c.externalUserID
	}

	// existing-members is queued while the registry is still locked, so the
	// joiner sees it before any member-joined or signal from a later joiner.
	existing, left := h.rooms.JoinFunc(c.id, roomID, name, ext, func(existing []session.Participant) {
		members := make([]protocol.Member, 0, len(existing))
		for _, p := range existing {
			members = append(members, toMember(p))
		}
		h.sendJSON(c, protocol.ExistingMembersMessage{
			Type:    protocol.TypeExistingMembers,
			RoomID:  roomID,
			Members: members,
		})
	})
	if left != "" {
		h.announceLeave(c.id, left)
	}

	self, _ := h.rooms.Member(c.id, roomID)
	h.broadcast(roomID, protocol.MemberJoinedMessage{
		Type:   protocol.TypeMemberJoined,
		Member: toMember(self),
	}, c.id)

	h.mirror.push(mirrorOp{kind: mirrorJoin, room: roomID, id: c.id, name: name})
	h.recordOccupancy()
	h.logger.Printf("ws: %s joined room %s (members=%d)", c.id, roomID, len(existing)+1)
}

func (h *Hub) leave(c *client, roomID string) {
	if !h.rooms.Leave(c.id, roomID) {
		return
	}
	h.announceLeave(c.id, roomID)
	h.recordOccupancy()
}

func (h *Hub) announceLeave(id, roomID string) {
	h.broadcast(roomID, protocol.PresenceMessage{
		Type:         protocol.TypeMemberLeft,
		ConnectionID: id,
	}, id)
	h.mirror.push(mirrorOp{kind: mirrorLeave, room: roomID, id: id})
	h.logger.Printf("ws: %s left room %s (members=%d)", id, roomID, len(h.rooms.Snapshot(roomID)))
}

// forwardSignal delivers a unicast message if the target is connected and in
// a room. Otherwise it is dropped; the negotiating pair treats that as a
// failed attempt.
func (h *Hub) forwardSignal(from string, msg protocol.SignalMessage) {
	target := h.conns.get(msg.To)
	if target == nil {
		h.logger.Printf("ws: forward %s target missing %s -> %s", msg.Type, from, msg.To)
		h.metrics.Dropped(metrics.DropTargetMissing)
		return
	}
	if _, inRoom := h.rooms.RoomOf(msg.To); !inRoom {
		h.logger.Printf("ws: forward %s target not in a room %s -> %s", msg.Type, from, msg.To)
		h.metrics.Dropped(metrics.DropTargetMissing)
		return
	}
	if h.sendJSON(target, msg) {
		h.metrics.Relayed(msg.Type, 1)
	}
}

func (h *Hub) updateFlag(c *client, roomID string, kind session.Flag, enabled bool) {
	if _, ok := h.rooms.SetFlag(c.id, roomID, kind, enabled); !ok {
		h.metrics.Dropped(metrics.DropNotMember)
		return
	}
	h.mirror.push(mirrorOp{kind: mirrorFlag, room: roomID, id: c.id, flag: kind.String(), enabled: enabled})

	switch kind {
	case session.FlagAudio:
		h.broadcast(roomID, protocol.FlagUpdateMessage{Type: protocol.TypeAudioUpdate, ConnectionID: c.id, Enabled: enabled}, c.id)
	case session.FlagVideo:
		h.broadcast(roomID, protocol.FlagUpdateMessage{Type: protocol.TypeVideoUpdate, ConnectionID: c.id, Enabled: enabled}, c.id)
	case session.FlagScreen:
		typ := protocol.TypeScreenShareStopped
		if enabled {
			typ = protocol.TypeScreenShareStarted
		}
		h.broadcast(roomID, protocol.PresenceMessage{Type: typ, ConnectionID: c.id}, c.id)
	}
}

func (h *Hub) chat(c *client, roomID, text string) {
	sender, ok := h.rooms.Member(c.id, roomID)
	if !ok {
		h.metrics.Dropped(metrics.DropNotMember)
		return
	}
	h.broadcast(roomID, protocol.ChatMessage{
		Type:               protocol.TypeChatMessage,
		Text:               text,
		SenderDisplayName:  sender.DisplayName,
		SenderConnectionID: c.id,
		Timestamp:          h.now().UTC(),
	}, "")
}

// broadcast fans msg out to the room's membership as of this call, skipping
// skipID.
func (h *Hub) broadcast(roomID string, msg interface{}, skipID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("marshal broadcast: %v", err)
		return
	}

	sent := 0
	for _, p := range h.rooms.Snapshot(roomID) {
		if p.ConnectionID == skipID {
			continue
		}
		cl := h.conns.get(p.ConnectionID)
		if cl == nil {
			continue
		}
		if h.deliver(cl, data) {
			sent++
		}
	}
	h.metrics.Relayed(messageType(msg), sent)
}

func (h *Hub) sendJSON(c *client, v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("marshal message: %v", err)
		return false
	}
	return h.deliver(c, data)
}

// deliver enqueues data for c. A connection whose backlog overflows is
// disconnected rather than silently losing messages.
func (h *Hub) deliver(c *client, data []byte) bool {
	if c.queue.Enqueue(data) {
		return true
	}
	if c.ctx.Err() == nil {
		h.logger.Printf("client send queue full for %s, disconnecting", c.id)
		h.metrics.Dropped(metrics.DropQueueOverflow)
		c.kick()
	}
	return false
}

func (h *Hub) recordOccupancy() {
	rooms, participants := h.rooms.Stats()
	h.metrics.SetOccupancy(rooms, participants)
}

func toMember(p session.Participant) protocol.Member {
	return protocol.Member{
		ConnectionID:   p.ConnectionID,
		DisplayName:    p.DisplayName,
		ExternalUserID: p.ExternalUserID,
		Audio:          p.Audio,
		Video:          p.Video,
		Screen:         p.Screen,
	}
}

func messageType(msg interface{}) string {
	switch m := msg.(type) {
	case protocol.MemberJoinedMessage:
		return m.Type
	case protocol.PresenceMessage:
		return m.Type
	case protocol.FlagUpdateMessage:
		return m.Type
	case protocol.ChatMessage:
		return m.Type
	default:
		return "other"
	}
}
