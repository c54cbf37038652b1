package doctor

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"callscribe/audio"
	"callscribe/config"
	"callscribe/frame"
	"callscribe/pipeline"
	"callscribe/transcriber"
)

const DefaultCaptureTime = 3 * time.Second

// Checker runs non-interactive diagnostics against the configured devices
// and recognition service.
type Checker struct {
	Config      config.Config
	Audio       audio.Context
	Dialer      transcriber.Dialer
	Out         io.Writer
	CaptureTime time.Duration
}

// Run checks the real audio backend and the configured service, printing
// to stdout.
func Run(ctx context.Context, cfg config.Config) int {
	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("FAIL: cannot initialize audio: %v\n", err)
		return 1
	}
	defer actx.Close()
	c := &Checker{Config: cfg, Audio: actx, Dialer: transcriber.NewDeepgram(), Out: os.Stdout}
	return c.Run(ctx)
}

// Run executes every check and returns an exit code (0=all pass, 1=any fail).
func (c *Checker) Run(ctx context.Context) int {
	if c.CaptureTime <= 0 {
		c.CaptureTime = DefaultCaptureTime
	}
	fmt.Fprintln(c.Out, "callscribe doctor - system diagnostics")
	fmt.Fprintln(c.Out, "======================================")

	allPass := c.checkDevices()
	if !c.checkCapture(ctx) {
		allPass = false
	}
	if !c.checkLink(ctx) {
		allPass = false
	}

	fmt.Fprintln(c.Out)
	if allPass {
		fmt.Fprintln(c.Out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(c.Out, "Some checks failed. See details above.")
	return 1
}

func (c *Checker) kinds() []audio.Kind {
	var kinds []audio.Kind
	if c.Config.Audio.Loopback {
		kinds = append(kinds, audio.Loopback)
	}
	if c.Config.Audio.Microphone {
		kinds = append(kinds, audio.Microphone)
	}
	return kinds
}

func (c *Checker) checkDevices() bool {
	fmt.Fprintln(c.Out)
	fmt.Fprintln(c.Out, "[1/3] Audio devices")

	ok := true
	for _, kind := range c.kinds() {
		devices, err := c.Audio.Devices(kind)
		if err != nil {
			fmt.Fprintf(c.Out, "  FAIL: cannot list %s devices: %v\n", kind, err)
			ok = false
			continue
		}
		if len(devices) == 0 {
			fmt.Fprintf(c.Out, "  WARN: no %s devices listed, the system default will be used\n", kind)
			continue
		}
		fmt.Fprintf(c.Out, "  %s devices:\n", kind)
		for _, d := range devices {
			tag := ""
			if audio.IsBluetooth(d.Name) {
				tag = " [bluetooth: lower audio quality]"
			}
			fmt.Fprintf(c.Out, "    - %s%s\n", d.Name, tag)
		}
	}
	if ok {
		fmt.Fprintln(c.Out, "  PASS: device enumeration")
	}
	return ok
}

// levelReport summarizes a short capture from one source.
type levelReport struct {
	chunks   int
	frames   int
	speech   int
	meanRMS  float64
	peak     float64
	dropped  uint64
	device   string
	startErr error
}

func (r levelReport) speechRatio() float64 {
	if r.frames == 0 {
		return 0
	}
	return float64(r.speech) / float64(r.frames)
}

func (c *Checker) checkCapture(ctx context.Context) bool {
	fmt.Fprintln(c.Out)
	fmt.Fprintf(c.Out, "[2/3] Capture levels (%s per source, speak or play audio now)\n", c.CaptureTime)

	started := 0
	for _, kind := range c.kinds() {
		src := pipeline.NewSource(c.Config, c.Audio, kind, nil)
		r := measure(ctx, src, pipeline.GateConfig(c.Config, kind), c.Config, c.CaptureTime)
		if r.startErr != nil {
			fmt.Fprintf(c.Out, "  FAIL: %s: %v\n", kind, r.startErr)
			continue
		}
		started++
		fmt.Fprintf(c.Out, "  %s (%s): %d chunks, %d frames, rms %.4f, peak %.4f, speech %.0f%%, dropped %d\n",
			kind, r.device, r.chunks, r.frames, r.meanRMS, r.peak, 100*r.speechRatio(), r.dropped)
		switch {
		case r.chunks == 0:
			fmt.Fprintf(c.Out, "  WARN: %s delivered no audio\n", kind)
		case r.speech == 0:
			fmt.Fprintf(c.Out, "  WARN: %s gate heard no speech; check levels or vad thresholds\n", kind)
		}
	}
	if started == 0 {
		fmt.Fprintln(c.Out, "  FAIL: no source could be started")
		return false
	}
	fmt.Fprintf(c.Out, "  PASS: %d source(s) capturing\n", started)
	return true
}

func measure(ctx context.Context, src audio.Source, gateCfg frame.GateConfig, cfg config.Config, d time.Duration) levelReport {
	var r levelReport
	// Measure with the gate enabled so the ratio reflects real thresholds.
	gateCfg.Enabled = true
	gate, err := frame.NewGate(gateCfg)
	if err != nil {
		r.startErr = err
		return r
	}
	h, err := src.Start()
	if err != nil {
		r.startErr = err
		return r
	}
	r.device = h.DeviceName()
	buf := frame.NewBuffer(src.Kind(), cfg.FrameDuration(), cfg.Audio.SampleRate)

	timer := time.NewTimer(d)
	defer timer.Stop()
	var rmsSum float64
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timer.C:
			break loop
		case chunk, ok := <-h.Samples():
			if !ok {
				break loop
			}
			r.chunks++
			for _, f := range buf.Write(chunk) {
				rms, peak := frame.Levels(f.PCM)
				rmsSum += rms
				r.peak = math.Max(r.peak, peak)
				r.frames++
				gate.Process(f)
			}
		}
	}
	src.Stop(h)
	r.dropped = h.Dropped()
	r.speech = gate.Stats().Forwarded
	if r.frames > 0 {
		r.meanRMS = rmsSum / float64(r.frames)
	}
	return r
}

func (c *Checker) checkLink(ctx context.Context) bool {
	fmt.Fprintln(c.Out)
	fmt.Fprintln(c.Out, "[3/3] Recognition service handshake")

	if c.Config.Deepgram.APIKey == "" {
		fmt.Fprintln(c.Out, "  FAIL: no API key (set DEEPGRAM_API_KEY)")
		return false
	}

	link := transcriber.NewLink(c.Dialer, nil, nil)
	opts := pipeline.LinkOptions(c.Config)
	opts.DrainTimeout = 500 * time.Millisecond

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	err := link.Connect(dialCtx, transcriber.Credentials{APIKey: c.Config.Deepgram.APIKey}, opts)
	if err != nil {
		fmt.Fprintf(c.Out, "  FAIL: %s error: %v\n", transcriber.Class(err), err)
		switch {
		case transcriber.Fatal(err) && transcriber.Class(err) == "auth":
			fmt.Fprintln(c.Out, "  The API key was rejected.")
		case transcriber.Fatal(err):
			fmt.Fprintf(c.Out, "  The service rejected model=%s language=%s.\n", opts.Model, opts.Language)
		}
		return false
	}
	elapsed := time.Since(start)
	link.Disconnect()
	fmt.Fprintf(c.Out, "  PASS: connected to %s (model %s) in %dms\n", opts.Endpoint, opts.Model, elapsed.Milliseconds())
	return true
}
