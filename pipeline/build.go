package pipeline

import (
	"callscribe/audio"
	"callscribe/config"
	"callscribe/frame"
	"callscribe/transcriber"
)

// LinkOptions maps the deepgram and link sections onto connection options.
func LinkOptions(cfg config.Config) transcriber.Options {
	dg := cfg.Deepgram
	return transcriber.Options{
		Endpoint:       dg.Endpoint,
		Model:          dg.Model,
		Language:       dg.Language,
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       audio.Channels,
		Endpointing:    dg.Endpointing(),
		InterimResults: dg.InterimResults,
		SmartFormat:    dg.SmartFormat,
		Punctuate:      dg.Punctuate,
		Numerals:       dg.Numerals,
		KeepAlive:      dg.KeepAlive(),
		QueueSize:      cfg.Link.QueueFrames,
		DrainTimeout:   cfg.Link.Drain(),
	}
}

// GateConfig returns the gate settings for one source kind.
func GateConfig(cfg config.Config, kind audio.Kind) frame.GateConfig {
	g := cfg.VAD.Loopback
	if kind == audio.Microphone {
		g = cfg.VAD.Microphone
	}
	return frame.GateConfig{
		Enabled:         cfg.VAD.Enabled,
		Detector:        cfg.VAD.Detector,
		WebRTCMode:      cfg.VAD.WebRTCMode,
		SampleRate:      cfg.Audio.SampleRate,
		RMS:             g.RMS,
		Peak:            g.Peak,
		HoldFrames:      g.Hold,
		PreRollFrames:   g.PreRoll,
		MinSpeechFrames: g.MinSpeech,
	}
}

// NewSource builds the source for kind on ctx. A nil device selects the
// system default.
func NewSource(cfg config.Config, ctx audio.Context, kind audio.Kind, device *audio.DeviceInfo) audio.Source {
	capture := audio.CaptureConfig{SampleRate: uint32(cfg.Audio.SampleRate), Channels: audio.Channels}
	if kind == audio.Microphone {
		return audio.NewMicrophoneSource(ctx, device, capture, cfg.Audio.QueueChunks, cfg.Audio.MicrophoneGain)
	}
	return audio.NewLoopbackSource(ctx, device, capture, cfg.Audio.QueueChunks)
}

// FromConfig assembles a supervisor configuration.
func FromConfig(cfg config.Config, sources []audio.Source, sessionID string) Config {
	specs := make([]SourceSpec, 0, len(sources))
	for _, s := range sources {
		specs = append(specs, SourceSpec{Source: s, Gate: GateConfig(cfg, s.Kind())})
	}
	return Config{
		Credentials:   transcriber.Credentials{APIKey: cfg.Deepgram.APIKey},
		Options:       LinkOptions(cfg),
		Sources:       specs,
		FrameDuration: cfg.FrameDuration(),
		SampleRate:    cfg.Audio.SampleRate,
		Backoff: Backoff{
			Initial:    cfg.Reconnect.Initial(),
			Max:        cfg.Reconnect.Max(),
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
		SessionID:   sessionID,
		SessionPoll: cfg.Session.Poll(),
	}
}
