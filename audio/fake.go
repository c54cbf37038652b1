package audio

import (
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = BytesPerSample
)

// FakeContext replays PCM instead of opening hardware. Every capture of a
// kind replays the same PCM, then feeds silence until stopped.
type FakeContext struct {
	realtime bool

	mu       sync.Mutex
	pcm      map[Kind][]byte
	startErr map[Kind]error
	devices  map[Kind][]DeviceInfo
	captures []*FakeCapture
}

// NewFakeContext loads a 16 kHz mono WAV and replays it on every kind.
func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return NewFakeContextPCM(data, realtime), nil
}

func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{
		realtime: realtime,
		pcm:      map[Kind][]byte{Loopback: pcm, Microphone: pcm},
		startErr: map[Kind]error{},
		devices:  map[Kind][]DeviceInfo{},
	}
}

func (f *FakeContext) SetPCM(kind Kind, pcm []byte) {
	f.mu.Lock()
	f.pcm[kind] = pcm
	f.mu.Unlock()
}

// FailStart makes every later Start of a capture of this kind fail with err.
// A nil err clears the failure.
func (f *FakeContext) FailStart(kind Kind, err error) {
	f.mu.Lock()
	f.startErr[kind] = err
	f.mu.Unlock()
}

func (f *FakeContext) SetDevices(kind Kind, devices []DeviceInfo) {
	f.mu.Lock()
	f.devices[kind] = devices
	f.mu.Unlock()
}

func (f *FakeContext) Devices(kind Kind) ([]DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeviceInfo(nil), f.devices[kind]...), nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(kind Kind, device *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := "fake " + kind.String()
	if device != nil {
		name = device.Name
	}
	c := &FakeCapture{
		kind:      kind,
		name:      name,
		pcm:       f.pcm[kind],
		realtime:  f.realtime,
		startErr:  f.startErr[kind],
		audioDone: make(chan struct{}),
	}
	f.captures = append(f.captures, c)
	return c, nil
}

// Lose simulates every running capture of kind disappearing with err.
func (f *FakeContext) Lose(kind Kind, err error) {
	f.mu.Lock()
	captures := append([]*FakeCapture(nil), f.captures...)
	f.mu.Unlock()
	for _, c := range captures {
		if c.kind == kind && c.Running() {
			c.Lose(err)
		}
	}
}

// Running reports how many captures are started and not yet stopped.
func (f *FakeContext) Running() int {
	f.mu.Lock()
	captures := append([]*FakeCapture(nil), f.captures...)
	f.mu.Unlock()
	n := 0
	for _, c := range captures {
		if c.Running() {
			n++
		}
	}
	return n
}

type FakeCapture struct {
	kind      Kind
	name      string
	pcm       []byte
	realtime  bool
	startErr  error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	lostCb   LostCallback
	running  bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) SetLostCallback(cb LostCallback) {
	f.mu.Lock()
	f.lostCb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.lostCb = nil
	f.mu.Unlock()
}

// Lose stops feeding audio and reports err as a device loss. The capture
// still counts as running until Stop.
func (f *FakeCapture) Lose(err error) {
	f.mu.Lock()
	stopCh, feedDone, cb := f.stopCh, f.feedDone, f.lostCb
	f.mu.Unlock()
	if stopCh != nil {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
		<-feedDone
	}
	if cb != nil {
		cb(err)
	}
}

func (f *FakeCapture) DeviceName() string { return f.name }

func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(SampleRate)

	if !f.realtime {
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)
		interval = time.Millisecond
	}

	go func() {
		defer close(feedDone)
		pos := 0
		if !f.realtime {
			pos = len(f.pcm)
		}
		silence := make([]byte, chunkBytes)
		audioFinished := !f.realtime

		for {
			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}

			cb := f.callback()
			if cb == nil {
				continue
			}
			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
				continue
			}
			if !audioFinished {
				audioFinished = true
				close(f.audioDone)
			}
			cb(silence, fakeFrameSize)
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	stopCh, feedDone := f.stopCh, f.feedDone
	f.running = false
	f.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-feedDone
}

func (f *FakeCapture) Close() {}
