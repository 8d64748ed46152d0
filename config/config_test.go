package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "DB_DSN", "STREAMS_DIR", "CHAT_CACHE_IDLE_TTL", "CHAT_CACHE_PRUNE_INTERVAL", "CHAT_MERGE_HISTORY"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.StreamsDir != "streams" {
		t.Errorf("StreamsDir = %q, want streams", cfg.StreamsDir)
	}
	if cfg.ChatIdleTTL != 10*time.Minute || cfg.ChatPruneInterval != 10*time.Minute {
		t.Errorf("durations = %v/%v, want 10m/10m", cfg.ChatIdleTTL, cfg.ChatPruneInterval)
	}
	if cfg.ChatMergeHistory {
		t.Error("ChatMergeHistory should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STREAMS_DIR", "/srv/streams")
	t.Setenv("CHAT_CACHE_IDLE_TTL", "90s")
	t.Setenv("CHAT_CACHE_PRUNE_INTERVAL", "1m")
	t.Setenv("CHAT_MERGE_HISTORY", "1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.StreamsDir != "/srv/streams" || cfg.ChatIdleTTL != 90*time.Second || cfg.ChatPruneInterval != time.Minute || !cfg.ChatMergeHistory {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"garbage ttl", "CHAT_CACHE_IDLE_TTL", "ten minutes"},
		{"negative interval", "CHAT_CACHE_PRUNE_INTERVAL", "-1m"},
		{"zero ttl", "CHAT_CACHE_IDLE_TTL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateRecorderReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	t.Setenv("CHAT_RECORD_FILE", "/tmp/live.txt.zst")
	cfg, _ := Load()
	if err := cfg.ValidateRecorderReady(); err != nil {
		t.Errorf("expected valid recorder config, got %v", err)
	}
	if err := os.Unsetenv("TWITCH_CHANNEL"); err != nil {
		t.Fatalf("failed to unset TWITCH_CHANNEL: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateRecorderReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}
