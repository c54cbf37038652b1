package audio

import (
	"errors"
	"fmt"
	"strings"
)

// PCM format shared by every capture backend: signed 16-bit little-endian mono.
const (
	SampleRate     = 16000
	Channels       = 1
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
	WAVHeaderSize  = 44
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrDeviceLost        = errors.New("audio device lost")
)

// Kind distinguishes what a capture device listens to.
type Kind int

const (
	Loopback Kind = iota
	Microphone
)

func (k Kind) String() string {
	switch k {
	case Loopback:
		return "loopback"
	case Microphone:
		return "microphone"
	}
	return "unknown"
}

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

type DataCallback func(data []byte, frameCount uint32)

// LostCallback reports that a started device stopped delivering audio on
// its own.
type LostCallback func(err error)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// Context enumerates and opens capture devices. Devices never mutates
// capture state.
type Context interface {
	Devices(kind Kind) ([]DeviceInfo, error)
	NewCapture(kind Kind, device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	SetLostCallback(cb LostCallback)
	// ClearCallback detaches both callbacks.
	ClearCallback()
	DeviceName() string
}

// FindDevice returns the device of the given kind whose name matches.
func FindDevice(ctx Context, kind Kind, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices(kind)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s device %q not found", ErrDeviceUnavailable, kind, name)
}
