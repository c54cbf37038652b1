//go:build !linux

package audio

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{ctx: ctx}, nil
}

// Loopback capture taps a playback device, so loopback enumeration lists
// playback devices.
func deviceType(kind Kind) malgo.DeviceType {
	if kind == Loopback {
		return malgo.Playback
	}
	return malgo.Capture
}

func (m *malgoContext) Devices(kind Kind) ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(deviceType(kind))
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(kind Kind, device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	devType := malgo.Capture
	if kind == Loopback {
		devType = malgo.Loopback
	}
	deviceConfig := malgo.DefaultDeviceConfig(devType)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = config.Channels
	deviceConfig.SampleRate = config.SampleRate

	name := "system default"
	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
		name = device.Name
	}

	c := &malgoCapture{name: name}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			if cb := c.callback.Load(); cb != nil {
				(*cb)(data, frameCount)
			}
		},
		// Also invoked by our own Stop; only an unrequested stop is a loss.
		Stop: func() {
			if c.stopping.Load() {
				return
			}
			if cb := c.lost.Load(); cb != nil {
				(*cb)(errors.New("device stopped by the audio backend"))
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo %s device: %w", kind, err)
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device   *malgo.Device
	name     string
	callback atomic.Pointer[DataCallback]
	lost     atomic.Pointer[LostCallback]
	stopping atomic.Bool
	closed   atomic.Bool
}

func (c *malgoCapture) Start() error {
	c.stopping.Store(false)
	return c.device.Start()
}

func (c *malgoCapture) Stop() {
	c.stopping.Store(true)
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.device.Uninit()
	}
}

func (c *malgoCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) SetLostCallback(cb LostCallback) {
	c.lost.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
	c.lost.Store(nil)
}

func (c *malgoCapture) DeviceName() string {
	return c.name
}
