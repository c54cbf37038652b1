package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Detector classifies one frame of 16-bit PCM as speech or not.
type Detector interface {
	IsSpeech(pcm []byte) bool
}

// Levels returns the RMS and peak amplitude of 16-bit PCM, normalized to
// [0, 1].
func Levels(pcm []byte) (rms, peak float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}
	var sumsq float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		sumsq += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sumsq / float64(n)), peak
}

// EnergyDetector reports speech when either RMS or peak exceeds its
// threshold.
type EnergyDetector struct {
	RMS  float64
	Peak float64
}

func (d EnergyDetector) IsSpeech(pcm []byte) bool {
	rms, peak := Levels(pcm)
	return rms > d.RMS || peak > d.Peak
}

type GateConfig struct {
	Enabled         bool
	Detector        string // energy, webrtc
	WebRTCMode      int
	SampleRate      int
	RMS             float64
	Peak            float64
	HoldFrames      int
	PreRollFrames   int
	MinSpeechFrames int
}

type GateStats struct {
	Frames     int
	Forwarded  int
	Suppressed int
}

// Gate drops silent frames for one source. It opens after MinSpeechFrames
// consecutive speech frames, replaying up to PreRollFrames of earlier audio,
// and stays open through HoldFrames of silence. Not safe for concurrent use.
type Gate struct {
	cfg      GateConfig
	detector Detector

	open       bool
	speechRun  int
	silenceRun int
	ring       []Frame
	ringCap    int

	stats GateStats
}

// NewGate builds a gate from cfg. A disabled gate forwards every frame.
func NewGate(cfg GateConfig) (*Gate, error) {
	if !cfg.Enabled {
		return &Gate{cfg: cfg}, nil
	}
	var d Detector
	switch cfg.Detector {
	case "", "energy":
		d = EnergyDetector{RMS: cfg.RMS, Peak: cfg.Peak}
	case "webrtc":
		w, err := NewWebRTCDetector(cfg.WebRTCMode, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		d = w
	default:
		return nil, fmt.Errorf("unknown vad detector %q", cfg.Detector)
	}
	return newGate(cfg, d), nil
}

func newGate(cfg GateConfig, d Detector) *Gate {
	minSpeech := max(cfg.MinSpeechFrames, 1)
	return &Gate{
		cfg:      cfg,
		detector: d,
		ringCap:  max(cfg.PreRollFrames, 0) + minSpeech,
	}
}

// Process takes one frame and returns the frames to forward, in capture
// order. Frames held back for pre-roll are returned later or suppressed.
func (g *Gate) Process(f Frame) []Frame {
	g.stats.Frames++
	if g.detector == nil {
		g.stats.Forwarded++
		return []Frame{f}
	}

	speech := g.detector.IsSpeech(f.PCM)

	if g.open {
		if speech {
			g.silenceRun = 0
			g.stats.Forwarded++
			return []Frame{f}
		}
		g.silenceRun++
		if g.silenceRun <= g.cfg.HoldFrames {
			g.stats.Forwarded++
			return []Frame{f}
		}
		g.open = false
		g.speechRun = 0
		g.silenceRun = 0
		g.hold(f)
		return nil
	}

	g.hold(f)
	if speech {
		g.speechRun++
	} else {
		g.speechRun = 0
	}
	if g.speechRun < max(g.cfg.MinSpeechFrames, 1) {
		return nil
	}

	g.open = true
	g.silenceRun = 0
	out := g.ring
	g.ring = nil
	g.stats.Forwarded += len(out)
	return out
}

func (g *Gate) hold(f Frame) {
	if len(g.ring) == g.ringCap {
		g.ring = append(g.ring[:0:0], g.ring[1:]...)
		g.stats.Suppressed++
	}
	g.ring = append(g.ring, f)
}

// Open reports whether the gate is currently forwarding.
func (g *Gate) Open() bool { return g.detector == nil || g.open }

func (g *Gate) Stats() GateStats { return g.stats }

// Reset closes the gate. Held pre-roll frames count as suppressed.
func (g *Gate) Reset() {
	g.stats.Suppressed += len(g.ring)
	g.open = false
	g.speechRun = 0
	g.silenceRun = 0
	g.ring = nil
}
