package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultQueueChunks = 64

// Chunk is one capture callback's worth of PCM.
type Chunk struct {
	Source   Kind
	Captured time.Time
	PCM      []byte
}

// Source is one audio producer. Each call to Start opens the device and
// returns a handle that owns it until Stop.
type Source interface {
	Kind() Kind
	Start() (*CaptureHandle, error)
	Stop(h *CaptureHandle)
}

// CaptureHandle represents one running capture. Samples is closed once the
// handle is released or the device is lost.
type CaptureHandle struct {
	kind    Kind
	device  CaptureDevice
	samples chan Chunk
	lost    chan struct{}
	gain    float64
	dropped atomic.Uint64

	mu       sync.RWMutex
	released bool
	err      error
}

func (h *CaptureHandle) Kind() Kind { return h.kind }

func (h *CaptureHandle) DeviceName() string { return h.device.DeviceName() }

func (h *CaptureHandle) Samples() <-chan Chunk { return h.samples }

// Dropped counts chunks discarded because the queue was full.
func (h *CaptureHandle) Dropped() uint64 { return h.dropped.Load() }

func (h *CaptureHandle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// Lost is closed when the device fails while capturing. It stays open when
// the handle is released normally.
func (h *CaptureHandle) Lost() <-chan struct{} { return h.lost }

// Err returns why the device was lost, or nil.
func (h *CaptureHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// fail runs on a backend goroutine when the device dies. The device itself
// is still released by Stop.
func (h *CaptureHandle) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || h.err != nil {
		return
	}
	h.err = fmt.Errorf("%w: %s: %w", ErrDeviceLost, h.kind, err)
	close(h.samples)
	close(h.lost)
}

// push runs on the backend's capture thread and must never block.
func (h *CaptureHandle) push(data []byte, _ uint32) {
	if len(data) == 0 {
		return
	}
	pcm := make([]byte, len(data))
	copy(pcm, data)
	if h.gain != 0 && h.gain != 1 {
		applyGain(pcm, h.gain)
	}
	c := Chunk{Source: h.kind, Captured: time.Now(), PCM: pcm}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released || h.err != nil {
		return
	}
	for {
		select {
		case h.samples <- c:
			return
		default:
		}
		select {
		case <-h.samples:
			h.dropped.Add(1)
		default:
		}
	}
}

func (h *CaptureHandle) release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	if h.err == nil {
		close(h.samples)
	}
	h.mu.Unlock()

	h.device.ClearCallback()
	h.device.Stop()
	h.device.Close()
}

func applyGain(pcm []byte, gain float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		amplified := s * gain
		if amplified > 32767 {
			amplified = 32767
		} else if amplified < -32768 {
			amplified = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(amplified)))
	}
}

func openCapture(ctx Context, kind Kind, device *DeviceInfo, config CaptureConfig, queue int, gain float64) (*CaptureHandle, error) {
	if queue <= 0 {
		queue = DefaultQueueChunks
	}
	dev, err := ctx.NewCapture(kind, device, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, kind, err)
	}
	h := &CaptureHandle{
		kind:    kind,
		device:  dev,
		samples: make(chan Chunk, queue),
		lost:    make(chan struct{}),
		gain:    gain,
	}
	dev.SetCallback(h.push)
	dev.SetLostCallback(h.fail)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, fmt.Errorf("%w: start %s: %w", ErrDeviceUnavailable, kind, err)
	}
	return h, nil
}

// LoopbackSource captures what the system is playing. A nil device selects
// the default output.
type LoopbackSource struct {
	ctx    Context
	device *DeviceInfo
	config CaptureConfig
	queue  int
}

func NewLoopbackSource(ctx Context, device *DeviceInfo, config CaptureConfig, queue int) *LoopbackSource {
	return &LoopbackSource{ctx: ctx, device: device, config: config, queue: queue}
}

func (s *LoopbackSource) Kind() Kind { return Loopback }

func (s *LoopbackSource) Start() (*CaptureHandle, error) {
	return openCapture(s.ctx, Loopback, s.device, s.config, s.queue, 1)
}

func (s *LoopbackSource) Stop(h *CaptureHandle) { h.release() }

// MicrophoneSource captures an input device with optional software gain.
// A nil device selects the default input.
type MicrophoneSource struct {
	ctx    Context
	device *DeviceInfo
	config CaptureConfig
	queue  int
	gain   float64
}

func NewMicrophoneSource(ctx Context, device *DeviceInfo, config CaptureConfig, queue int, gain float64) *MicrophoneSource {
	return &MicrophoneSource{ctx: ctx, device: device, config: config, queue: queue, gain: gain}
}

func (s *MicrophoneSource) Kind() Kind { return Microphone }

func (s *MicrophoneSource) Start() (*CaptureHandle, error) {
	return openCapture(s.ctx, Microphone, s.device, s.config, s.queue, s.gain)
}

func (s *MicrophoneSource) Stop(h *CaptureHandle) { h.release() }
