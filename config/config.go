package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	EndpointingMS  int    `yaml:"endpointing_ms"`
	InterimResults bool   `yaml:"interim_results"`
	SmartFormat    bool   `yaml:"smart_format"`
	Punctuate      bool   `yaml:"punctuate"`
	Numerals       bool   `yaml:"numerals"`
	KeepAliveMS    int    `yaml:"keepalive_ms"`
}

type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	FrameMS          int     `yaml:"frame_ms"`
	QueueChunks      int     `yaml:"queue_chunks"`
	Loopback         bool    `yaml:"loopback"`
	Microphone       bool    `yaml:"microphone"`
	LoopbackDevice   string  `yaml:"loopback_device"`
	MicrophoneDevice string  `yaml:"microphone_device"`
	MicrophoneGain   float64 `yaml:"microphone_gain"`
}

// GateConfig holds the thresholds of one source's voice-activity gate.
type GateConfig struct {
	RMS       float64 `yaml:"rms"`
	Peak      float64 `yaml:"peak"`
	Hold      int     `yaml:"hold_frames"`
	PreRoll   int     `yaml:"preroll_frames"`
	MinSpeech int     `yaml:"min_speech_frames"`
}

type VADConfig struct {
	Enabled    bool       `yaml:"enabled"`
	Detector   string     `yaml:"detector"` // energy, webrtc
	WebRTCMode int        `yaml:"webrtc_mode"`
	Loopback   GateConfig `yaml:"loopback"`
	Microphone GateConfig `yaml:"microphone"`
}

type LinkConfig struct {
	QueueFrames int `yaml:"queue_frames"`
	DrainMS     int `yaml:"drain_ms"`
}

type ReconnectConfig struct {
	InitialMS  int     `yaml:"initial_ms"`
	MaxMS      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
	Jitter     float64 `yaml:"jitter"`
}

type SessionConfig struct {
	LimitMinutes int `yaml:"limit_minutes"`
	PollMS       int `yaml:"poll_ms"`
}

type BusConfig struct {
	Backlog int `yaml:"backlog"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

type RelayConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Servers          []string `yaml:"servers"`
	SubjectPrefix    string   `yaml:"subject_prefix"`
	Token            string   `yaml:"token"`
	ConnectTimeoutMS int      `yaml:"connect_timeout_ms"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Deepgram  DeepgramConfig  `yaml:"deepgram"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Link      LinkConfig      `yaml:"link"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Session   SessionConfig   `yaml:"session"`
	Bus       BusConfig       `yaml:"bus"`
	HTTP      HTTPConfig      `yaml:"http"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

func Default() Config {
	return Config{
		Deepgram: DeepgramConfig{
			Endpoint:       "wss://api.deepgram.com/v1/listen",
			Model:          "nova-3",
			Language:       "en-US",
			EndpointingMS:  50,
			InterimResults: true,
			SmartFormat:    true,
			Punctuate:      true,
			Numerals:       true,
			KeepAliveMS:    5000,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			FrameMS:        20,
			QueueChunks:    64,
			Loopback:       true,
			Microphone:     true,
			MicrophoneGain: 1,
		},
		VAD: VADConfig{
			Enabled:    true,
			Detector:   "energy",
			WebRTCMode: 3,
			Loopback: GateConfig{
				RMS:       0.015,
				Peak:      0.04,
				Hold:      15,
				PreRoll:   5,
				MinSpeech: 3,
			},
			Microphone: GateConfig{
				RMS:       0.015,
				Peak:      0.03,
				Hold:      40,
				PreRoll:   12,
				MinSpeech: 10,
			},
		},
		Link: LinkConfig{
			QueueFrames: 250,
			DrainMS:     1500,
		},
		Reconnect: ReconnectConfig{
			InitialMS:  500,
			MaxMS:      15000,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Session: SessionConfig{
			LimitMinutes: 60,
			PollMS:       1000,
		},
		Bus: BusConfig{
			Backlog: 1024,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1:8765",
		},
		Relay: RelayConfig{
			Servers:          []string{"nats://localhost:4222"},
			SubjectPrefix:    "callscribe",
			ConnectTimeoutMS: 2000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file and the process environment, in that order.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to read env file: %w", err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Deepgram.Model, "DEEPGRAM_MODEL")
	overrideString(&cfg.Deepgram.APIKey, "CALLSCRIBE_DEEPGRAM_API_KEY")
	overrideString(&cfg.Deepgram.Endpoint, "CALLSCRIBE_DEEPGRAM_ENDPOINT")
	overrideString(&cfg.Deepgram.Model, "CALLSCRIBE_DEEPGRAM_MODEL")
	overrideString(&cfg.Deepgram.Language, "CALLSCRIBE_DEEPGRAM_LANGUAGE")
	overrideInt(&cfg.Deepgram.EndpointingMS, "CALLSCRIBE_DEEPGRAM_ENDPOINTING_MS")
	overrideBool(&cfg.Deepgram.InterimResults, "CALLSCRIBE_DEEPGRAM_INTERIM_RESULTS")
	overrideBool(&cfg.Deepgram.SmartFormat, "CALLSCRIBE_DEEPGRAM_SMART_FORMAT")
	overrideBool(&cfg.Deepgram.Punctuate, "CALLSCRIBE_DEEPGRAM_PUNCTUATE")
	overrideBool(&cfg.Deepgram.Numerals, "CALLSCRIBE_DEEPGRAM_NUMERALS")
	overrideInt(&cfg.Deepgram.KeepAliveMS, "CALLSCRIBE_DEEPGRAM_KEEPALIVE_MS")
	overrideInt(&cfg.Audio.SampleRate, "CALLSCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FrameMS, "CALLSCRIBE_AUDIO_FRAME_MS")
	overrideInt(&cfg.Audio.QueueChunks, "CALLSCRIBE_AUDIO_QUEUE_CHUNKS")
	overrideBool(&cfg.Audio.Loopback, "CALLSCRIBE_AUDIO_LOOPBACK")
	overrideBool(&cfg.Audio.Microphone, "CALLSCRIBE_AUDIO_MICROPHONE")
	overrideString(&cfg.Audio.LoopbackDevice, "CALLSCRIBE_AUDIO_LOOPBACK_DEVICE")
	overrideString(&cfg.Audio.MicrophoneDevice, "CALLSCRIBE_AUDIO_MICROPHONE_DEVICE")
	overrideFloat(&cfg.Audio.MicrophoneGain, "CALLSCRIBE_AUDIO_MICROPHONE_GAIN")
	overrideBool(&cfg.VAD.Enabled, "CALLSCRIBE_VAD_ENABLED")
	overrideString(&cfg.VAD.Detector, "CALLSCRIBE_VAD_DETECTOR")
	overrideInt(&cfg.VAD.WebRTCMode, "CALLSCRIBE_VAD_WEBRTC_MODE")
	overrideFloat(&cfg.VAD.Loopback.RMS, "CALLSCRIBE_VAD_LOOPBACK_RMS")
	overrideFloat(&cfg.VAD.Loopback.Peak, "CALLSCRIBE_VAD_LOOPBACK_PEAK")
	overrideFloat(&cfg.VAD.Microphone.RMS, "CALLSCRIBE_VAD_MICROPHONE_RMS")
	overrideFloat(&cfg.VAD.Microphone.Peak, "CALLSCRIBE_VAD_MICROPHONE_PEAK")
	overrideInt(&cfg.Link.QueueFrames, "CALLSCRIBE_LINK_QUEUE_FRAMES")
	overrideInt(&cfg.Link.DrainMS, "CALLSCRIBE_LINK_DRAIN_MS")
	overrideInt(&cfg.Reconnect.InitialMS, "CALLSCRIBE_RECONNECT_INITIAL_MS")
	overrideInt(&cfg.Reconnect.MaxMS, "CALLSCRIBE_RECONNECT_MAX_MS")
	overrideFloat(&cfg.Reconnect.Multiplier, "CALLSCRIBE_RECONNECT_MULTIPLIER")
	overrideFloat(&cfg.Reconnect.Jitter, "CALLSCRIBE_RECONNECT_JITTER")
	overrideInt(&cfg.Session.LimitMinutes, "CALLSCRIBE_SESSION_LIMIT_MINUTES")
	overrideInt(&cfg.Session.PollMS, "CALLSCRIBE_SESSION_POLL_MS")
	overrideInt(&cfg.Bus.Backlog, "CALLSCRIBE_BUS_BACKLOG")
	overrideBool(&cfg.HTTP.Enabled, "CALLSCRIBE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "CALLSCRIBE_HTTP_BIND")
	overrideBool(&cfg.Relay.Enabled, "CALLSCRIBE_RELAY_ENABLED")
	overrideStringSlice(&cfg.Relay.Servers, "CALLSCRIBE_RELAY_SERVERS")
	overrideString(&cfg.Relay.SubjectPrefix, "CALLSCRIBE_RELAY_SUBJECT_PREFIX")
	overrideString(&cfg.Relay.Token, "CALLSCRIBE_RELAY_TOKEN")
	overrideInt(&cfg.Relay.ConnectTimeoutMS, "CALLSCRIBE_RELAY_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Log.Level, "CALLSCRIBE_LOG_LEVEL")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.Deepgram.Endpoint == "" {
		return errors.New("deepgram.endpoint must not be empty")
	}
	if cfg.Deepgram.Model == "" {
		return errors.New("deepgram.model must not be empty")
	}
	if cfg.Deepgram.EndpointingMS < 0 {
		return errors.New("deepgram.endpointing_ms must not be negative")
	}
	switch cfg.Audio.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("audio.sample_rate %d unsupported (8000, 16000, 32000 or 48000)", cfg.Audio.SampleRate)
	}
	switch cfg.Audio.FrameMS {
	case 10, 20, 30:
	default:
		return fmt.Errorf("audio.frame_ms %d unsupported (10, 20 or 30)", cfg.Audio.FrameMS)
	}
	if cfg.Audio.QueueChunks <= 0 {
		return errors.New("audio.queue_chunks must be positive")
	}
	if cfg.Audio.MicrophoneGain <= 0 || cfg.Audio.MicrophoneGain > 10 {
		return errors.New("audio.microphone_gain must be in (0, 10]")
	}
	if !cfg.Audio.Loopback && !cfg.Audio.Microphone {
		return errors.New("at least one of audio.loopback or audio.microphone must be enabled")
	}
	switch cfg.VAD.Detector {
	case "energy", "webrtc":
	default:
		return fmt.Errorf("vad.detector %q unknown (energy or webrtc)", cfg.VAD.Detector)
	}
	if cfg.VAD.WebRTCMode < 0 || cfg.VAD.WebRTCMode > 3 {
		return errors.New("vad.webrtc_mode must be between 0 and 3")
	}
	for name, g := range map[string]GateConfig{"loopback": cfg.VAD.Loopback, "microphone": cfg.VAD.Microphone} {
		if g.Hold < 0 || g.PreRoll < 0 || g.MinSpeech < 0 {
			return fmt.Errorf("vad.%s frame counts must not be negative", name)
		}
		if g.MinSpeech > g.PreRoll+1 {
			return fmt.Errorf("vad.%s.min_speech_frames must not exceed preroll_frames+1", name)
		}
	}
	if cfg.Link.QueueFrames <= 0 {
		return errors.New("link.queue_frames must be positive")
	}
	if cfg.Reconnect.InitialMS <= 0 || cfg.Reconnect.MaxMS < cfg.Reconnect.InitialMS {
		return errors.New("reconnect.initial_ms must be positive and not exceed reconnect.max_ms")
	}
	if cfg.Reconnect.Multiplier < 1 {
		return errors.New("reconnect.multiplier must be at least 1")
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter >= 1 {
		return errors.New("reconnect.jitter must be in [0, 1)")
	}
	if cfg.Session.LimitMinutes < 0 {
		return errors.New("session.limit_minutes must not be negative")
	}
	if cfg.Session.PollMS <= 0 {
		return errors.New("session.poll_ms must be positive")
	}
	if cfg.Bus.Backlog <= 0 {
		return errors.New("bus.backlog must be positive")
	}
	if cfg.HTTP.Enabled && cfg.HTTP.Bind == "" {
		return errors.New("http.bind must not be empty when http is enabled")
	}
	if cfg.Relay.Enabled && len(cfg.Relay.Servers) == 0 {
		return errors.New("relay.servers must not be empty when relay is enabled")
	}
	return nil
}

func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.Audio.FrameMS) * time.Millisecond
}

func (c Config) SessionLimit() time.Duration {
	return time.Duration(c.Session.LimitMinutes) * time.Minute
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c DeepgramConfig) KeepAlive() time.Duration { return ms(c.KeepAliveMS) }

func (c DeepgramConfig) Endpointing() time.Duration { return ms(c.EndpointingMS) }

func (c LinkConfig) Drain() time.Duration { return ms(c.DrainMS) }

func (c ReconnectConfig) Initial() time.Duration { return ms(c.InitialMS) }

func (c ReconnectConfig) Max() time.Duration { return ms(c.MaxMS) }

func (c SessionConfig) Poll() time.Duration { return ms(c.PollMS) }

func (c RelayConfig) ConnectTimeout() time.Duration { return ms(c.ConnectTimeoutMS) }
