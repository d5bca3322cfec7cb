package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message types sent by clients.
const (
	TypeJoinRoom         = "join-room"
	TypeLeaveRoom        = "leave-room"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
	TypeToggleAudio      = "toggle-audio"
	TypeToggleVideo      = "toggle-video"
	TypeStartScreenShare = "start-screen-share"
	TypeStopScreenShare  = "stop-screen-share"
	TypeChatMessage      = "chat-message"
)

// Outbound message types emitted by the hub. Offer, answer, ice-candidate and
// chat-message reuse their inbound names.
const (
	TypeWelcome            = "welcome"
	TypeExistingMembers    = "existing-members"
	TypeMemberJoined       = "member-joined"
	TypeMemberLeft         = "member-left"
	TypeAudioUpdate        = "toggle-audio-update"
	TypeVideoUpdate        = "toggle-video-update"
	TypeScreenShareStarted = "screen-share-started"
	TypeScreenShareStopped = "screen-share-stopped"
	TypeError              = "error"
)

// ICEServer describes STUN/TURN servers advertised to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// InboundMessage is the payload clients send to the signaling service.
type InboundMessage struct {
	Type           string          `json:"type"`
	RoomID         string          `json:"roomId,omitempty"`
	DisplayName    string          `json:"displayName,omitempty"`
	ExternalUserID *string         `json:"externalUserId,omitempty"`
	To             string          `json:"to,omitempty"`
	Description    json.RawMessage `json:"description,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	Text           string          `json:"text,omitempty"`
}

// Member is the public view of a room participant.
type Member struct {
	ConnectionID   string  `json:"connectionId"`
	DisplayName    string  `json:"displayName"`
	ExternalUserID *string `json:"externalUserId"`
	Audio          bool    `json:"audio"`
	Video          bool    `json:"video"`
	Screen         bool    `json:"screen"`
}

// WelcomeMessage is sent once when a control connection is accepted.
type WelcomeMessage struct {
	Type         string      `json:"type"`
	ConnectionID string      `json:"connectionId"`
	ICEServers   []ICEServer `json:"iceServers,omitempty"`
	ICEMode      string      `json:"iceMode,omitempty"`
}

// ExistingMembersMessage answers join-room with everyone already present.
type ExistingMembersMessage struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"roomId"`
	Members []Member `json:"members"`
}

// MemberJoinedMessage announces a new participant to the rest of the room.
type MemberJoinedMessage struct {
	Type string `json:"type"`
	Member
}

// PresenceMessage carries events that only name a connection: member-left and
// the screen share notifications.
type PresenceMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// FlagUpdateMessage announces an audio or video toggle.
type FlagUpdateMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Enabled      bool   `json:"enabled"`
}

// SignalMessage carries an opaque offer, answer or ICE candidate between two
// connections.
type SignalMessage struct {
	Type        string          `json:"type"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// ChatMessage is fanned out to the whole room, sender included.
type ChatMessage struct {
	Type               string    `json:"type"`
	Text               string    `json:"text"`
	SenderDisplayName  string    `json:"senderDisplayName"`
	SenderConnectionID string    `json:"senderConnectionId"`
	Timestamp          time.Time `json:"timestamp"`
}

// ErrorMessage reports a rejected request back to its sender.
type ErrorMessage struct {
	Type    string `json:"type"`
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
}

// Envelope is a decoded outbound message as seen by clients. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Type               string          `json:"type"`
	ConnectionID       string          `json:"connectionId,omitempty"`
	DisplayName        string          `json:"displayName,omitempty"`
	ExternalUserID     *string         `json:"externalUserId,omitempty"`
	Audio              bool            `json:"audio,omitempty"`
	Video              bool            `json:"video,omitempty"`
	Screen             bool            `json:"screen,omitempty"`
	RoomID             string          `json:"roomId,omitempty"`
	Members            []Member        `json:"members,omitempty"`
	ICEServers         []ICEServer     `json:"iceServers,omitempty"`
	ICEMode            string          `json:"iceMode,omitempty"`
	From               string          `json:"from,omitempty"`
	To                 string          `json:"to,omitempty"`
	Description        json.RawMessage `json:"description,omitempty"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`
	Enabled            bool            `json:"enabled,omitempty"`
	Text               string          `json:"text,omitempty"`
	SenderDisplayName  string          `json:"senderDisplayName,omitempty"`
	SenderConnectionID string          `json:"senderConnectionId,omitempty"`
	Timestamp          time.Time       `json:"timestamp,omitempty"`
	Request            string          `json:"request,omitempty"`
	Message            string          `json:"message,omitempty"`
}
