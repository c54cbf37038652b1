package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearKeys(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("DEEPGRAM_MODEL", "")
	t.Setenv("CALLSCRIBE_DEEPGRAM_API_KEY", "")
}

func TestLoadDefaults(t *testing.T) {
	clearKeys(t)
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Deepgram.Model != "nova-3" {
		t.Fatalf("expected nova-3, got %q", cfg.Deepgram.Model)
	}
	if cfg.FrameDuration() != 20*time.Millisecond {
		t.Fatalf("expected 20ms frames, got %v", cfg.FrameDuration())
	}
	if cfg.SessionLimit() != time.Hour {
		t.Fatalf("expected 60 minute session limit, got %v", cfg.SessionLimit())
	}
	if !cfg.Audio.Loopback || !cfg.Audio.Microphone {
		t.Fatal("expected both sources enabled by default")
	}
}

func TestLoadYAML(t *testing.T) {
	clearKeys(t)
	path := filepath.Join(t.TempDir(), "callscribe.yaml")
	yaml := `
deepgram:
  model: nova-2
  language: de
audio:
  microphone: false
vad:
  detector: webrtc
  microphone:
    hold_frames: 7
reconnect:
  max_ms: 4000
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Deepgram.Model != "nova-2" || cfg.Deepgram.Language != "de" {
		t.Fatalf("yaml deepgram values not applied: %+v", cfg.Deepgram)
	}
	if cfg.Audio.Microphone {
		t.Fatal("expected microphone disabled")
	}
	if cfg.VAD.Detector != "webrtc" {
		t.Fatalf("expected webrtc detector, got %q", cfg.VAD.Detector)
	}
	if cfg.VAD.Microphone.Hold != 7 {
		t.Fatalf("expected hold 7, got %d", cfg.VAD.Microphone.Hold)
	}
	if cfg.VAD.Microphone.Peak != 0.03 {
		t.Fatalf("unset nested field should keep default, got %v", cfg.VAD.Microphone.Peak)
	}
	if cfg.Reconnect.Max() != 4*time.Second {
		t.Fatalf("expected 4s max backoff, got %v", cfg.Reconnect.Max())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvFile(t *testing.T) {
	clearKeys(t)
	os.Unsetenv("DEEPGRAM_API_KEY")
	t.Cleanup(func() { os.Unsetenv("DEEPGRAM_API_KEY") })

	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("DEEPGRAM_API_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", envPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Deepgram.APIKey != "from-dotenv" {
		t.Fatalf("expected key from .env, got %q", cfg.Deepgram.APIKey)
	}
}

func TestMissingEnvFileIgnored(t *testing.T) {
	clearKeys(t)
	if _, err := Load("", filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should not fail: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearKeys(t)
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	t.Setenv("DEEPGRAM_MODEL", "nova-2-meeting")
	t.Setenv("CALLSCRIBE_AUDIO_LOOPBACK", "false")
	t.Setenv("CALLSCRIBE_VAD_MICROPHONE_PEAK", "0.05")
	t.Setenv("CALLSCRIBE_RELAY_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("CALLSCRIBE_RELAY_ENABLED", "true")
	t.Setenv("CALLSCRIBE_SESSION_LIMIT_MINUTES", "5")
	t.Setenv("CALLSCRIBE_LINK_QUEUE_FRAMES", "not-a-number")
	t.Setenv("CALLSCRIBE_AUDIO_MICROPHONE_GAIN", "2.5")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Deepgram.APIKey != "dg-key" {
		t.Fatalf("expected api key override, got %q", cfg.Deepgram.APIKey)
	}
	if cfg.Deepgram.Model != "nova-2-meeting" {
		t.Fatalf("expected model override, got %q", cfg.Deepgram.Model)
	}
	if cfg.Audio.Loopback {
		t.Fatal("expected loopback disabled")
	}
	if cfg.VAD.Microphone.Peak != 0.05 {
		t.Fatalf("expected peak 0.05, got %v", cfg.VAD.Microphone.Peak)
	}
	if len(cfg.Relay.Servers) != 2 || cfg.Relay.Servers[1] != "nats://two:4222" {
		t.Fatalf("expected 2 relay servers, got %v", cfg.Relay.Servers)
	}
	if cfg.SessionLimit() != 5*time.Minute {
		t.Fatalf("expected 5 minute limit, got %v", cfg.SessionLimit())
	}
	if cfg.Audio.MicrophoneGain != 2.5 {
		t.Fatalf("expected gain 2.5, got %v", cfg.Audio.MicrophoneGain)
	}
	if cfg.Link.QueueFrames != 250 {
		t.Fatalf("unparseable override should keep default, got %d", cfg.Link.QueueFrames)
	}
}

func TestPrefixedKeyWins(t *testing.T) {
	clearKeys(t)
	t.Setenv("DEEPGRAM_API_KEY", "plain")
	t.Setenv("CALLSCRIBE_DEEPGRAM_API_KEY", "prefixed")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Deepgram.APIKey != "prefixed" {
		t.Fatalf("expected prefixed key to win, got %q", cfg.Deepgram.APIKey)
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"no sources", func(c *Config) { c.Audio.Loopback = false; c.Audio.Microphone = false }},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 44100 }},
		{"bad frame", func(c *Config) { c.Audio.FrameMS = 25 }},
		{"zero gain", func(c *Config) { c.Audio.MicrophoneGain = 0 }},
		{"bad detector", func(c *Config) { c.VAD.Detector = "magic" }},
		{"bad webrtc mode", func(c *Config) { c.VAD.WebRTCMode = 4 }},
		{"min speech beyond preroll", func(c *Config) { c.VAD.Loopback.MinSpeech = 20 }},
		{"zero queue", func(c *Config) { c.Link.QueueFrames = 0 }},
		{"inverted backoff", func(c *Config) { c.Reconnect.MaxMS = 10 }},
		{"low multiplier", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"jitter too large", func(c *Config) { c.Reconnect.Jitter = 1 }},
		{"zero backlog", func(c *Config) { c.Bus.Backlog = 0 }},
		{"relay without servers", func(c *Config) { c.Relay.Enabled = true; c.Relay.Servers = nil }},
		{"empty model", func(c *Config) { c.Deepgram.Model = "" }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := validate(Default()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
