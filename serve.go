package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meetsync/internal/app/auth"
	"meetsync/internal/app/httpapi"
	"meetsync/internal/app/mediaflags"
	"meetsync/internal/app/meetings"
	"meetsync/internal/app/usernames"
	"meetsync/pkg/metrics"
	"meetsync/pkg/presence"
	"meetsync/pkg/session"
	"meetsync/pkg/webrtc/signaling"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var addr, redisAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if addr != "" {
				cfg.Addr = addr
			}
			if redisAddr != "" {
				cfg.RedisAddr = redisAddr
			}
			logConfig(cfg)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address (overrides REDIS_ADDR)")
	return cmd
}

type resetter interface {
	Reset(ctx context.Context) error
}

func serve(ctx context.Context, cfg config) error {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	presenceStore := presence.NewRedisStore(rdb, cfg.RedisPrefix)
	flagStore := mediaflags.NewRedisStore(rdb, cfg.RedisPrefix)
	nameStore := usernames.NewRedisStore(rdb, cfg.RedisPrefix)
	// Membership from a previous run is stale; the registry starts empty.
	for name, s := range map[string]resetter{"presence": presenceStore, "flags": flagStore, "usernames": nameStore} {
		if err := s.Reset(pingCtx); err != nil {
			log.Printf("redis reset %s: %v", name, err)
		}
	}

	m := metrics.New("meetsync")
	hub := signaling.NewHub(session.NewRegistry(), signaling.HubOptions{
		ICEServers:        cfg.ICEServers,
		ICEMode:           cfg.ICEMode,
		Metrics:           m,
		Presence:          presenceStore,
		Flags:             flagStore,
		Usernames:         nameStore,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		SendQueueBytes:    cfg.SendQueueBytes,
	})

	var verifier auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}
	meetingStore := meetings.NewRedisStore(rdb, cfg.RedisPrefix)
	settings := httpapi.Settings{
		ICEMode:        cfg.ICEMode,
		ICEServers:     cfg.ICEServers,
		PublicWSURL:    cfg.PublicWSURL,
		RequireMeeting: cfg.RequireMeeting,
		AuthEnabled:    verifier != nil,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", httpapi.WSHandler(hub, meetingStore, verifier, cfg.RequireMeeting))
	mux.Handle("GET /api/settings", httpapi.SettingsHandler(settings))
	mux.Handle("GET /api/health", httpapi.HealthHandler(hub.Registry(), func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))
	mux.Handle("POST /api/meetings", httpapi.CreateMeetingHandler(meetingStore, verifier))
	mux.Handle("GET /api/meetings/{id}", httpapi.MeetingLookupHandler(meetingStore))
	mux.Handle("POST /api/meetings/{id}/validate", httpapi.ValidateMeetingHandler(meetingStore))
	mux.Handle("GET /debug/ice", httpapi.DebugICEHandler(settings))
	mux.Handle("GET /debug/rooms/{room}", httpapi.DebugRoomHandler(hub.Registry(), httpapi.Mirror{
		Presence:  presenceStore,
		Flags:     flagStore,
		Usernames: nameStore,
	}))
	mux.Handle("GET /metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
