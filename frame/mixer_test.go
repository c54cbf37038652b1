package frame

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"callscribe/audio"
)

type recordingTarget struct {
	recordingSink
	down atomic.Bool
}

func (t *recordingTarget) IsConnected() bool { return !t.down.Load() }

func (t *recordingTarget) sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var mixEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestMixer(kinds ...audio.Kind) (*Mixer, *recordingTarget, *manualClock) {
	out := &recordingTarget{}
	clock := &manualClock{t: mixEpoch}
	m := NewMixer(out, 20*time.Millisecond, nil)
	m.now = clock.now
	for _, k := range kinds {
		m.Add(k)
	}
	return m, out, clock
}

func sourceFrame(kind audio.Kind, at time.Duration, value int16) Frame {
	return Frame{
		Source:   kind,
		Captured: mixEpoch.Add(at),
		Duration: 20 * time.Millisecond,
		PCM:      constPCM(320, value),
	}
}

func firstSample(f Frame) int16 {
	return int16(binary.LittleEndian.Uint16(f.PCM))
}

func TestMixerSumsAlignedFrames(t *testing.T) {
	m, out, clock := newTestMixer(audio.Loopback, audio.Microphone)

	for i := 0; i < 3; i++ {
		at := time.Duration(i) * 20 * time.Millisecond
		m.SendFrame(sourceFrame(audio.Loopback, at, 1000))
		m.SendFrame(sourceFrame(audio.Microphone, at+5*time.Millisecond, 2000))
		clock.advance(20 * time.Millisecond)
	}

	got := out.sent()
	if len(got) != 3 {
		t.Fatalf("sent %d frames, want 3", len(got))
	}
	for i, f := range got {
		if len(f.PCM) != 640 || firstSample(f) != 3000 {
			t.Fatalf("frame %d: %d bytes, sample %d", i, len(f.PCM), firstSample(f))
		}
		if f.Seq != uint64(i) {
			t.Fatalf("frame %d seq = %d", i, f.Seq)
		}
		if want := mixEpoch.Add(time.Duration(i) * 20 * time.Millisecond); !f.Captured.Equal(want) {
			t.Fatalf("frame %d captured %v, want %v", i, f.Captured, want)
		}
	}
}

func TestMixerClipsAtFullScale(t *testing.T) {
	m, out, _ := newTestMixer(audio.Loopback, audio.Microphone)
	m.SendFrame(sourceFrame(audio.Loopback, 0, 30000))
	m.SendFrame(sourceFrame(audio.Microphone, 0, 30000))
	m.SendFrame(sourceFrame(audio.Loopback, 20*time.Millisecond, -30000))
	m.SendFrame(sourceFrame(audio.Microphone, 20*time.Millisecond, -30000))

	got := out.sent()
	if len(got) != 2 || firstSample(got[0]) != 32767 || firstSample(got[1]) != -32768 {
		t.Fatalf("got %d frames: %v", len(got), got)
	}
}

func TestMixerOutputMatchesCaptureTime(t *testing.T) {
	// One second of audio from each of two sources is one second on the wire.
	m, out, clock := newTestMixer(audio.Loopback, audio.Microphone)
	const frames = 50
	for i := 0; i < frames; i++ {
		at := time.Duration(i) * 20 * time.Millisecond
		m.SendFrame(sourceFrame(audio.Loopback, at, 100))
		m.SendFrame(sourceFrame(audio.Microphone, at+3*time.Millisecond, 100))
		clock.advance(20 * time.Millisecond)
	}
	clock.advance(time.Second)
	m.Remove(audio.Loopback)
	m.Remove(audio.Microphone)

	bytes := 0
	for _, f := range out.sent() {
		bytes += len(f.PCM)
	}
	if want := frames * 640; bytes != want {
		t.Fatalf("sent %d bytes for one second per source, want %d", bytes, want)
	}
}

func TestMixerWaitsForQuietSource(t *testing.T) {
	m, out, clock := newTestMixer(audio.Loopback, audio.Microphone)

	m.SendFrame(sourceFrame(audio.Loopback, 0, 500))
	if n := len(out.sent()); n != 0 {
		t.Fatalf("sent %d frames before the partner was due", n)
	}

	clock.advance(DefaultMixWait)
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
	got := out.sent()
	if len(got) != 1 || firstSample(got[0]) != 500 {
		t.Fatalf("got %v, want the lone frame unmixed", got)
	}
}

func TestMixerLateSourceStartsNewSlot(t *testing.T) {
	m, out, _ := newTestMixer(audio.Loopback, audio.Microphone)

	m.SendFrame(sourceFrame(audio.Loopback, 0, 100))
	m.SendFrame(sourceFrame(audio.Microphone, 30*time.Millisecond, 200))
	m.SendFrame(sourceFrame(audio.Loopback, 20*time.Millisecond, 100))

	got := out.sent()
	if len(got) != 2 {
		t.Fatalf("sent %d frames, want 2", len(got))
	}
	if firstSample(got[0]) != 100 || firstSample(got[1]) != 300 {
		t.Fatalf("samples %d, %d; want 100, 300", firstSample(got[0]), firstSample(got[1]))
	}
}

func TestMixerSingleSourcePassesThrough(t *testing.T) {
	m, out, _ := newTestMixer(audio.Microphone)
	for i := 0; i < 4; i++ {
		m.SendFrame(sourceFrame(audio.Microphone, time.Duration(i)*20*time.Millisecond, int16(i)))
	}
	if got := out.sent(); len(got) != 4 || firstSample(got[3]) != 3 {
		t.Fatalf("got %d frames", len(got))
	}
}

func TestMixerRejectsWhileTargetDown(t *testing.T) {
	m, out, clock := newTestMixer(audio.Loopback, audio.Microphone)
	m.SendFrame(sourceFrame(audio.Loopback, 0, 100))

	out.down.Store(true)
	if err := m.SendFrame(sourceFrame(audio.Loopback, 20*time.Millisecond, 100)); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("err = %v, want ErrSinkUnavailable", err)
	}

	out.down.Store(false)
	clock.advance(time.Second)
	m.Remove(audio.Microphone)
	if n := len(out.sent()); n != 0 {
		t.Fatalf("%d stale frames sent after the target came back", n)
	}
}

func TestMixerBacklogDropsOldest(t *testing.T) {
	m, _, _ := newTestMixer(audio.Loopback, audio.Microphone)
	m.backlog = 3
	for i := 0; i < 5; i++ {
		m.SendFrame(sourceFrame(audio.Loopback, time.Duration(i)*20*time.Millisecond, 1))
	}
	if m.Overflow() != 2 {
		t.Fatalf("overflow = %d, want 2", m.Overflow())
	}
	m.mu.Lock()
	head := m.queues[audio.Loopback][0].f.Captured
	m.mu.Unlock()
	if want := mixEpoch.Add(40 * time.Millisecond); !head.Equal(want) {
		t.Fatalf("head captured %v, want %v", head, want)
	}
}
