//go:build linux

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
)

const (
	monitorSuffix       = ".monitor"
	streamCheckInterval = 250 * time.Millisecond
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient()
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

// Devices lists monitor sources for Loopback and regular sources for
// Microphone.
func (p *pulseContext) Devices(kind Kind) ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		isMonitor := strings.HasSuffix(s.ID(), monitorSuffix)
		if isMonitor != (kind == Loopback) {
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:   s.ID(),
			Name: s.Name(),
		})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(kind Kind, device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	sourceID := ""
	name := "system default"
	if device != nil {
		sourceID = device.ID
		name = device.Name
	} else if kind == Loopback {
		sink, err := p.client.DefaultSink()
		if err != nil {
			return nil, fmt.Errorf("pulse default sink: %w", err)
		}
		sourceID = sink.ID() + monitorSuffix
		name = sink.Name() + " (monitor)"
	}

	var source *pulse.Source
	if sourceID != "" {
		s, err := p.client.SourceByID(sourceID)
		if err != nil || s == nil {
			return nil, fmt.Errorf("pulse source %q: %w", sourceID, ErrDeviceUnavailable)
		}
		source = s
	}

	return &pulseCapture{
		client: p.client,
		source: source,
		name:   name,
		config: config,
	}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	client   *pulse.Client
	source   *pulse.Source
	name     string
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]
	lost     atomic.Pointer[LostCallback]

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		cb := c.callback.Load()
		if cb == nil {
			return len(buf), nil
		}
		data := make([]byte, len(buf)*BytesPerSample)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		(*cb)(data, uint32(len(buf)))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
	}
	if c.source != nil {
		opts = append(opts, pulse.RecordSource(c.source))
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		stream.Start()
		ticker := time.NewTicker(streamCheckInterval)
		defer ticker.Stop()
		reported := false
		for {
			select {
			case <-stop:
				stream.Stop()
				stream.Close()
				return
			case <-ticker.C:
				if reported {
					continue
				}
				if err := recordFailure(stream); err != nil {
					reported = true
					if cb := c.lost.Load(); cb != nil {
						(*cb)(err)
					}
				}
			}
		}
	}(c.stop, c.done)

	return nil
}

// recordFailure reports a stream the server dropped or whose writer failed.
func recordFailure(stream *pulse.RecordStream) error {
	if err := stream.Error(); err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	if stream.Closed() {
		return errors.New("pulse record stream closed by server")
	}
	return nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) SetLostCallback(cb LostCallback) {
	c.lost.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
	c.lost.Store(nil)
}

func (c *pulseCapture) DeviceName() string {
	return c.name
}
