package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"time"

	"meetsync/internal/app/auth"
	"meetsync/internal/app/mediaflags"
	"meetsync/internal/app/meetings"
	"meetsync/internal/app/usernames"
	"meetsync/pkg/presence"
	"meetsync/pkg/session"
	"meetsync/pkg/webrtc/protocol"
	"meetsync/pkg/webrtc/signaling"
)

const (
	lookupTimeout = 3 * time.Second
	maxBodyBytes  = 16 * 1024
)

type Settings struct {
	ICEMode        string
	ICEServers     []protocol.ICEServer
	PublicWSURL    string
	RequireMeeting bool
	AuthEnabled    bool
}

// Hub admits upgraded connections with per-request options.
type Hub interface {
	Handler(opts signaling.ConnOptions) http.Handler
}

// Stats reports current occupancy.
type Stats interface {
	Stats() (rooms, participants int)
}

// Roster is the live membership of a room.
type Roster interface {
	Snapshot(roomID string) []session.Participant
}

// Mirror groups the Redis stores the hub mirrors room state into.
type Mirror struct {
	Presence  presence.Store
	Flags     mediaflags.Store
	Usernames usernames.Store
}

// DebugRoomHandler shows the mirrored view of one room next to the live
// registry, so drift between the two is visible.
func DebugRoomHandler(roster Roster, mirror Mirror) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		live := []string{}
		for _, p := range roster.Snapshot(room) {
			live = append(live, p.ConnectionID)
		}
		peers, err := mirror.Presence.Peers(ctx, room)
		if err != nil {
			log.Printf("debug room %s: peers: %v", room, err)
			http.Error(w, "failed to read presence", http.StatusInternalServerError)
			return
		}
		slices.Sort(peers)
		names, err := mirror.Usernames.Usernames(ctx, room)
		if err != nil {
			log.Printf("debug room %s: usernames: %v", room, err)
			http.Error(w, "failed to read usernames", http.StatusInternalServerError)
			return
		}
		flags, err := mirror.Flags.Flags(ctx, room)
		if err != nil {
			log.Printf("debug room %s: flags: %v", room, err)
			http.Error(w, "failed to read flags", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"room":      room,
			"live":      live,
			"peers":     peers,
			"usernames": names,
			"flags":     flags,
		})
	})
}

func DebugICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
}

func SettingsHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsURL := resolveWSURL(settings, r)
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{
			"wsURL":          wsURL,
			"iceMode":        settings.ICEMode,
			"iceServers":     settings.ICEServers,
			"requireMeeting": settings.RequireMeeting,
			"authEnabled":    settings.AuthEnabled,
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("settings encode error: %v", err)
		}
	})
}

// HealthHandler reports occupancy and, when ping is set, backing store health.
func HealthHandler(stats Stats, ping func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rooms, participants := stats.Stats()
		payload := map[string]interface{}{
			"status":       "ok",
			"rooms":        rooms,
			"participants": participants,
		}
		status := http.StatusOK
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				log.Printf("health: store ping failed: %v", err)
				payload["status"] = "degraded"
				payload["store"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, payload)
	})
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}

// WSHandler is the admission gate in front of the signaling hub. A meeting id
// and passcode are checked before upgrade, and a bearer token, when present,
// becomes the verified external user id. Without a token the connection is a
// guest and its self-declared id is relayed as-is.
func WSHandler(hub Hub, store meetings.Store, verifier auth.Verifier, requireMeeting bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		meetingID := strings.TrimSpace(q.Get("meeting"))
		if meetingID == "" && requireMeeting {
			http.Error(w, "missing meeting id", http.StatusBadRequest)
			return
		}

		if meetingID != "" {
			if store == nil {
				http.Error(w, "meetings unavailable", http.StatusServiceUnavailable)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
			_, err := store.Validate(ctx, meetingID, q.Get("passcode"))
			cancel()
			switch {
			case errors.Is(err, meetings.ErrNotFound):
				http.Error(w, "meeting not found", http.StatusNotFound)
				return
			case errors.Is(err, meetings.ErrInvalidPasscode):
				http.Error(w, "invalid passcode", http.StatusForbidden)
				return
			case err != nil:
				log.Printf("meeting lookup error: %v", err)
				http.Error(w, "meeting lookup failed", http.StatusInternalServerError)
				return
			}
		}

		var userID *string
		if verifier != nil {
			cred, err := auth.CredentialFromRequest(r)
			switch {
			case errors.Is(err, auth.ErrMissingCredentials):
			case err != nil:
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			default:
				id, err := verifier.Verify(cred)
				if err != nil {
					http.Error(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				userID = &id
			}
		}

		hub.Handler(signaling.ConnOptions{
			ExternalUserID: userID,
			AllowedRoom:    meetingID,
		}).ServeHTTP(w, r)
	})
}

type createMeetingRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Passcode    string `json:"passcode"`
}

// CreateMeetingHandler creates a meeting. With a verifier configured the
// caller must present a valid bearer token and becomes the host.
func CreateMeetingHandler(store meetings.Store, verifier auth.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var hostID string
		if verifier != nil {
			cred, err := auth.CredentialFromRequest(r)
			if err != nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if hostID, err = verifier.Verify(cred); err != nil {
				http.Error(w, "invalid credentials", http.StatusUnauthorized)
				return
			}
		}

		var req createMeetingRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		m, err := store.Create(ctx, meetings.CreateParams{
			Title:       req.Title,
			Description: req.Description,
			HostID:      hostID,
			Passcode:    req.Passcode,
		})
		if errors.Is(err, meetings.ErrPasscodeTooLong) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			log.Printf("meeting create error: %v", err)
			http.Error(w, "failed to create meeting", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, meetingPayload(r, m))
	})
}

func MeetingLookupHandler(store meetings.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		m, err := store.Get(ctx, r.PathValue("id"))
		if err != nil {
			if errors.Is(err, meetings.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			log.Printf("meeting lookup error: %v", err)
			http.Error(w, "failed to lookup meeting", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, meetingPayload(r, m))
	})
}

// ValidateMeetingHandler checks a passcode ahead of connecting.
func ValidateMeetingHandler(store meetings.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Passcode string `json:"passcode"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		defer cancel()

		m, err := store.Validate(ctx, r.PathValue("id"), req.Passcode)
		switch {
		case errors.Is(err, meetings.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, meetings.ErrInvalidPasscode):
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"valid": false})
		case err != nil:
			log.Printf("meeting validate error: %v", err)
			http.Error(w, "failed to validate meeting", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "meeting": m})
		}
	})
}

func meetingPayload(r *http.Request, m *meetings.Meeting) map[string]interface{} {
	return map[string]interface{}{
		"id":          m.ID,
		"title":       m.Title,
		"description": m.Description,
		"hostId":      m.HostID,
		"hasPasscode": m.HasPasscode,
		"createdAt":   m.CreatedAt,
		"url":         meetingURL(r, m.ID),
	}
}

func meetingURL(r *http.Request, id string) string {
	proto := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}
	return fmt.Sprintf("%s://%s/meetings/%s", proto, host, id)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("response encode error: %v", err)
	}
}
