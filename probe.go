package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"meetsync/pkg/client"
	"meetsync/pkg/webrtc/ice"
	"meetsync/pkg/webrtc/negotiation"
	"meetsync/pkg/webrtc/peer"
	"meetsync/pkg/webrtc/protocol"
)

type probeOptions struct {
	url      string
	meeting  string
	passcode string
	token    string
	room     string
	name     string
	duration time.Duration
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Join a room headlessly and log negotiation with every member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd.Context(), loadConfig(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "signaling endpoint (default PUBLIC_WS_URL or ws://localhost:8080/ws)")
	cmd.Flags().StringVar(&opts.meeting, "meeting", "", "meeting id to be admitted to")
	cmd.Flags().StringVar(&opts.passcode, "passcode", "", "meeting passcode")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token")
	cmd.Flags().StringVar(&opts.room, "room", "", "room to join (defaults to the meeting id)")
	cmd.Flags().StringVar(&opts.name, "name", "probe", "display name")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "leave after this long (0 runs until interrupted)")
	return cmd
}

func probeURL(cfg config, opts probeOptions) (string, error) {
	raw := opts.url
	if raw == "" {
		raw = cfg.PublicWSURL
	}
	if raw == "" {
		raw = "ws://localhost:8080/ws"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	for k, v := range map[string]string{"meeting": opts.meeting, "passcode": opts.passcode, "token": opts.token} {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func probe(ctx context.Context, cfg config, opts probeOptions) error {
	room := opts.room
	if room == "" {
		room = opts.meeting
	}
	if room == "" {
		return errors.New("either --room or --meeting is required")
	}
	target, err := probeURL(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := client.Dial(dialCtx, target, nil, log.Default())
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("probe: connected as %s", conn.ID())

	iceServers := ice.ToPion(conn.ICEServers())
	mesh := client.NewMesh(conn, client.MeshOptions{
		Transport: func(remoteID string, onCandidate func(webrtc.ICECandidateInit)) (negotiation.Transport, error) {
			return peer.New(peer.Options{
				ICEServers:  iceServers,
				OnCandidate: onCandidate,
				OnTrack: func(t *webrtc.TrackRemote) {
					log.Printf("probe: %s track %s from %s", t.Kind(), t.Codec().MimeType, remoteID)
				},
				OnConnectionState: func(s webrtc.PeerConnectionState) {
					log.Printf("probe: connection to %s %s", remoteID, s)
				},
			})
		},
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		Renegotiate:          true,
		Logger:               log.Default(),
		OnStateChange: func(remoteID string, st negotiation.State) {
			log.Printf("probe: negotiation with %s -> %s", remoteID, st)
		},
		OnEvent: logProbeEvent,
	})

	if err := conn.Join(room, opts.name, nil); err != nil {
		return err
	}
	// Closing the connection is the disconnect path; the server announces the
	// departure to the room.
	err = mesh.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logProbeEvent(ev protocol.Envelope) {
	switch ev.Type {
	case protocol.TypeExistingMembers:
		log.Printf("probe: joined %s with %d member(s)", ev.RoomID, len(ev.Members))
	case protocol.TypeMemberJoined:
		log.Printf("probe: %s (%s) joined", ev.DisplayName, ev.ConnectionID)
	case protocol.TypeMemberLeft:
		log.Printf("probe: %s left", ev.ConnectionID)
	case protocol.TypeAudioUpdate, protocol.TypeVideoUpdate:
		log.Printf("probe: %s %s=%v", ev.ConnectionID, ev.Type, ev.Enabled)
	case protocol.TypeScreenShareStarted, protocol.TypeScreenShareStopped:
		log.Printf("probe: %s %s", ev.ConnectionID, ev.Type)
	case protocol.TypeChatMessage:
		log.Printf("probe: [%s] %s: %s", ev.Timestamp.Format(time.Kitchen), ev.SenderDisplayName, ev.Text)
	case protocol.TypeError:
		log.Printf("probe: error for %s: %s", ev.Request, ev.Message)
	}
}
