package ice

import (
	"testing"

	"meetsync/pkg/webrtc/protocol"
)

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		wantMode  string
		wantCount int
		wantTURN  bool
	}{
		{
			name:      "defaults",
			wantMode:  "stun-turn",
			wantCount: 1,
		},
		{
			name: "stun and turn",
			env: map[string]string{
				"STUN_URLS":     "stun:a:3478, stun:b:3478",
				"TURN_URLS":     "turn:t:3478",
				"TURN_USERNAME": "u",
				"TURN_PASSWORD": "p",
			},
			wantMode:  "stun-turn",
			wantCount: 2,
			wantTURN:  true,
		},
		{
			name:      "turn-only without turn falls back to stun",
			env:       map[string]string{"ICE_MODE": "turn-only"},
			wantMode:  "turn-only",
			wantCount: 1,
		},
		{
			name: "stun-only ignores turn",
			env: map[string]string{
				"ICE_MODE":      "stun-only",
				"TURN_URLS":     "turn:t:3478",
				"TURN_USERNAME": "u",
			},
			wantMode:  "stun-only",
			wantCount: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ICE_MODE", "STUN_URLS", "TURN_URLS", "TURN_USERNAME", "TURN_PASSWORD"} {
				t.Setenv(k, tt.env[k])
			}
			mode, servers := LoadFromEnv()
			if mode != tt.wantMode {
				t.Fatalf("mode=%q, want %q", mode, tt.wantMode)
			}
			if len(servers) != tt.wantCount {
				t.Fatalf("servers=%+v, want %d entries", servers, tt.wantCount)
			}
			if HasTURN(servers) != tt.wantTURN {
				t.Fatalf("HasTURN=%v, want %v", HasTURN(servers), tt.wantTURN)
			}
		})
	}
}

func TestToPion(t *testing.T) {
	in := []protocol.ICEServer{
		{URLs: []string{"stun:a"}},
		{URLs: []string{"turn:b"}, Username: "u", Credential: "p"},
	}
	out := ToPion(in)
	if len(out) != 2 {
		t.Fatalf("len=%d", len(out))
	}
	if out[0].Username != "" || out[0].URLs[0] != "stun:a" {
		t.Fatalf("stun entry=%+v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "p" {
		t.Fatalf("turn entry=%+v", out[1])
	}
	out[0].URLs[0] = "changed"
	if in[0].URLs[0] != "stun:a" {
		t.Fatalf("ToPion aliased input URLs")
	}
}
