package main

import (
	"bufio"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"

	"meetsync/pkg/webrtc/ice"
	"meetsync/pkg/webrtc/negotiation"
	"meetsync/pkg/webrtc/protocol"
)

type config struct {
	Addr        string
	RedisAddr   string
	RedisPrefix string
	PublicWSURL string
	JWTSecret   string

	RequireMeeting       bool
	MaxPendingCandidates int
	MessagesPerSecond    int
	MaxMessageBytes      int64
	SendQueueBytes       int

	ICEServers []protocol.ICEServer
	ICEMode    string
}

func loadConfig() config {
	iceMode, iceServers := ice.LoadFromEnv()
	return config{
		Addr:                 getenv("ADDR", ":8080"),
		RedisAddr:            getenv("REDIS_ADDR", "localhost:6379"),
		RedisPrefix:          getenv("REDIS_PREFIX", "meetsync"),
		PublicWSURL:          strings.TrimSpace(os.Getenv("PUBLIC_WS_URL")),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		RequireMeeting:       getenvBool("REQUIRE_MEETING", true),
		MaxPendingCandidates: getenvInt("MAX_PENDING_CANDIDATES", negotiation.DefaultMaxPendingCandidates),
		MessagesPerSecond:    getenvInt("MAX_MESSAGES_PER_SECOND", 50),
		MaxMessageBytes:      int64(getenvInt("MAX_MESSAGE_BYTES", 64*1024)),
		SendQueueBytes:       getenvInt("SEND_QUEUE_BYTES", 1<<20),
		ICEServers:           iceServers,
		ICEMode:              iceMode,
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("config: ignoring %s=%q (want a positive integer)", key, v)
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: ignoring %s=%q (want true or false)", key, v)
		return fallback
	}
	return b
}

func loadEnv() {
	for _, p := range []string{".env", "../.env"} {
		if err := loadEnvFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("env load warning for %s: %v", p, err)
		}
	}
}

func logConfig(cfg config) {
	log.Printf("config: addr=%s redis_addr=%s redis_prefix=%s ice_mode=%s ice_servers=%d turn_configured=%v auth=%v require_meeting=%v",
		cfg.Addr, cfg.RedisAddr, cfg.RedisPrefix, cfg.ICEMode, len(cfg.ICEServers),
		ice.HasTURN(cfg.ICEServers), cfg.JWTSecret != "", cfg.RequireMeeting)
}

// loadEnvFile sets KEY=VALUE pairs from path without overriding variables
// already present in the environment.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return scanner.Err()
}
