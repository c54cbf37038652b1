package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"callscribe/audio"
	"callscribe/config"
	"callscribe/doctor"
	"callscribe/events"
	"callscribe/feed"
	"callscribe/log"
	"callscribe/metrics"
	"callscribe/pipeline"
	"callscribe/relay"
	"callscribe/session"
	"callscribe/shutdown"
	"callscribe/transcriber"
)

var version = "dev"

const httpShutdownTimeout = 3 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "YAML config file")
	envFlag := flag.String("env", ".env", "dotenv file loaded before the config file")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	setupFlag := flag.Bool("setup", false, "Select capture devices interactively")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	noLoopbackFlag := flag.Bool("no-loopback", false, "Do not capture system output")
	noMicFlag := flag.Bool("no-mic", false, "Do not capture the microphone")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	replayFlag := flag.String("replay", "", "Replay a 16 kHz mono WAV file instead of capturing")
	limitFlag := flag.Duration("limit", 0, "Session time limit (e.g. 45m); 0 uses the configured limit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("callscribe %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configFlag, *envFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *noLoopbackFlag {
		cfg.Audio.Loopback = false
	}
	if *noMicFlag {
		cfg.Audio.Microphone = false
	}
	if *deviceFlag != "" {
		cfg.Audio.MicrophoneDevice = *deviceFlag
	}
	if !cfg.Audio.Loopback && !cfg.Audio.Microphone {
		fmt.Fprintln(os.Stderr, "Error: both sources disabled; nothing to capture")
		return 1
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	initCrashLog()
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	if err := log.SetLevel(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if *doctorFlag {
		return doctor.Run(ctx, cfg)
	}

	m := metrics.New()
	bus := events.NewBus(cfg.Bus.Backlog, m)

	registry := session.NewRegistry()
	sessionID := session.NewID()
	limit := cfg.SessionLimit()
	if *limitFlag > 0 {
		limit = *limitFlag
	}
	if err := registry.Start(sessionID, limit, func(id string) {
		log.Infof("session %s reached its %s limit", id, limit)
		stop()
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	actx, err := openAudio(*replayFlag)
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	sources := buildSources(cfg, actx, *setupFlag)
	link := transcriber.NewLink(transcriber.NewDeepgram(), bus, m)
	sup := pipeline.NewSupervisor(pipeline.FromConfig(cfg, sources, sessionID), link, bus, registry, m)

	// Consumers drain the bus before their resources are released.
	var bg sync.WaitGroup
	var closers []func()
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer func() {
		bus.Close()
		bg.Wait()
		cancelBg()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if cfg.HTTP.Enabled {
		srv := newHTTPServer(bgCtx, &bg, cfg.HTTP.Bind, bus, m, sup, registry, sessionID)
		closers = append(closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			srv.Shutdown(sctx)
		})
	}

	if cfg.Relay.Enabled {
		conn, err := relay.Connect(cfg.Relay)
		if err != nil {
			log.Warnf("relay disabled: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: relay disabled: %v\n", err)
		} else {
			closers = append(closers, conn.Close)
			sub := bus.Subscribe("relay")
			bg.Add(1)
			go func() {
				defer bg.Done()
				relay.New(conn, cfg.Relay.SubjectPrefix, m).Run(bgCtx, sub)
			}()
		}
	}

	acc := events.NewAccumulator()
	w := &transcriptWriter{acc: acc}
	if !*tuiFlag {
		w.out = os.Stdout
		w.status = os.Stderr
	}
	tsub := bus.Subscribe("transcripts")
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.Run(tsub)
	}()

	log.SessionStart(sessionID, cfg.Deepgram.Model, sourceNames(sources))

	code := 0
	if *tuiFlag {
		runTUI(ctx, sup, bus, acc, sessionID, registry)
	} else {
		code = runHeadless(ctx, sup, sessionID)
	}

	sup.StopPipeline()
	elapsed, err := registry.End(sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			log.Warnf("end session: %v", err)
		}
		elapsed = limit
	}
	finals := acc.Stats().Finals
	log.SessionEnd(sessionID, finals)
	if !*tuiFlag {
		fmt.Fprintf(os.Stderr, "session %s ended after %s with %d final transcripts\n", sessionID, elapsed.Round(time.Second), finals)
	}
	return code
}

type headlessPipeline interface {
	StartPipeline(ctx context.Context) (pipeline.State, error)
	Halted() <-chan error
}

// runHeadless streams until ctx ends or the pipeline stops itself. Without
// a terminal UI nobody can restart it, so a halt ends the process.
func runHeadless(ctx context.Context, sup headlessPipeline, sessionID string) int {
	if _, err := sup.StartPipeline(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "callscribe %s: session %s, press Ctrl+C to stop\n", version, sessionID)
	select {
	case <-ctx.Done():
		return 0
	case err := <-sup.Halted():
		if errors.Is(err, pipeline.ErrSessionEnded) {
			return 0
		}
		log.Errorf("pipeline halted: %v", err)
		fmt.Fprintf(os.Stderr, "Error: pipeline stopped: %v\n", err)
		return 1
	}
}

// initCrashLog sends fatal runtime errors to crash_log.txt in the log dir.
func initCrashLog() {
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
		return
	}
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func openAudio(replay string) (audio.Context, error) {
	if replay == "" {
		return audio.NewContext()
	}
	fc, err := audio.NewFakeContext(replay, true)
	if err != nil {
		return nil, fmt.Errorf("load replay file: %w", err)
	}
	log.Infof("replaying %s on every source", replay)
	return fc, nil
}

// buildSources creates one source per enabled kind. A configured device that
// cannot be found falls back to the system default.
func buildSources(cfg config.Config, actx audio.Context, setup bool) []audio.Source {
	var sources []audio.Source
	for _, kind := range []audio.Kind{audio.Loopback, audio.Microphone} {
		name := cfg.Audio.LoopbackDevice
		enabled := cfg.Audio.Loopback
		if kind == audio.Microphone {
			name = cfg.Audio.MicrophoneDevice
			enabled = cfg.Audio.Microphone
		}
		if !enabled {
			continue
		}

		var device *audio.DeviceInfo
		var err error
		switch {
		case setup:
			device, err = audio.SelectDevice(actx, kind)
		case name != "":
			device, err = audio.FindDevice(actx, kind, name)
		}
		if err != nil {
			log.Warnf("%s device: %v; using system default", kind, err)
			fmt.Fprintf(os.Stderr, "Warning: %v; using system default %s device\n", err, kind)
			device = nil
		}
		sources = append(sources, pipeline.NewSource(cfg, actx, kind, device))
	}
	return sources
}

func sourceNames(sources []audio.Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Kind().String()
	}
	return names
}

type statusResponse struct {
	State          string  `json:"state"`
	Active         bool    `json:"active"`
	RunningSources int     `json:"running_sources"`
	Session        string  `json:"session"`
	SessionActive  bool    `json:"session_active"`
	RemainingS     float64 `json:"remaining_s,omitempty"`
	FeedClients    int     `json:"feed_clients"`
}

func newHTTPServer(ctx context.Context, bg *sync.WaitGroup, bind string, bus *events.Bus, m *metrics.Metrics, sup *pipeline.Supervisor, registry *session.Registry, sessionID string) *http.Server {
	hub := feed.NewHub(m)
	sub := bus.Subscribe("feed")
	bg.Add(1)
	go func() {
		defer bg.Done()
		hub.Run(ctx, sub)
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			State:          sup.State().String(),
			Active:         sup.IsActive(),
			RunningSources: sup.RunningSources(),
			Session:        sessionID,
			SessionActive:  registry.IsSessionActive(sessionID),
			FeedClients:    hub.Clients(),
		}
		if rem, ok := registry.Remaining(sessionID); ok {
			resp.RemainingS = rem.Seconds()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("http listening on %s (/ws, /metrics, /status)", bind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: http server: %v\n", err)
		}
	}()
	return srv
}
