package pipeline

import (
	"testing"
	"time"

	"callscribe/audio"
	"callscribe/config"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Deepgram.APIKey = "k"
	cfg.Audio.MicrophoneGain = 2
	actx := audio.NewFakeContextPCM(nil, false)
	sources := []audio.Source{
		NewSource(cfg, actx, audio.Loopback, nil),
		NewSource(cfg, actx, audio.Microphone, nil),
	}

	got := FromConfig(cfg, sources, "s1")
	if got.Credentials.APIKey != "k" || got.SessionID != "s1" {
		t.Fatalf("credentials/session = %+v, %q", got.Credentials, got.SessionID)
	}
	if got.FrameDuration != 20*time.Millisecond || got.SampleRate != 16000 {
		t.Fatalf("framing = %v @ %d", got.FrameDuration, got.SampleRate)
	}
	if got.Backoff.Initial != 500*time.Millisecond || got.Backoff.Max != 15*time.Second {
		t.Fatalf("backoff = %+v", got.Backoff)
	}
	if len(got.Sources) != 2 {
		t.Fatalf("sources = %d", len(got.Sources))
	}

	tests := []struct {
		kind          audio.Kind
		hold, preroll int
	}{
		{audio.Loopback, 15, 5},
		{audio.Microphone, 40, 12},
	}
	for i, tt := range tests {
		spec := got.Sources[i]
		if spec.Source.Kind() != tt.kind {
			t.Errorf("source %d kind = %s", i, spec.Source.Kind())
		}
		if spec.Gate.HoldFrames != tt.hold || spec.Gate.PreRollFrames != tt.preroll || !spec.Gate.Enabled {
			t.Errorf("%s gate = %+v", tt.kind, spec.Gate)
		}
	}

	opts := got.Options
	if opts.Model != "nova-3" || opts.Endpointing != 50*time.Millisecond || opts.KeepAlive != 5*time.Second {
		t.Fatalf("options = %+v", opts)
	}
	if opts.QueueSize != 250 || opts.DrainTimeout != 1500*time.Millisecond || opts.Channels != 1 {
		t.Fatalf("options = %+v", opts)
	}
}
