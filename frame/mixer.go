package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"callscribe/audio"
	"callscribe/metrics"
)

const (
	// DefaultMixWait is how long a frame waits for its partner from a quiet
	// source before it is sent alone.
	DefaultMixWait = 100 * time.Millisecond

	defaultMixBacklog = 50
)

var ErrSinkUnavailable = errors.New("sink not accepting frames")

// Target receives mixed frames. The transcription link satisfies it.
type Target interface {
	Sink
	IsConnected() bool
}

type queuedFrame struct {
	f       Frame
	arrived time.Time
}

// Mixer sums time-aligned frames of several sources into one mono stream,
// so the target hears one frame duration of audio per frame duration of
// capture however many sources run.
type Mixer struct {
	out      Target
	frameDur time.Duration
	wait     time.Duration
	backlog  int
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	members map[audio.Kind]bool
	queues  map[audio.Kind][]queuedFrame
	seq     uint64

	mixed     atomic.Uint64
	discarded atomic.Uint64
	overflow  atomic.Uint64
}

func NewMixer(out Target, frameDur time.Duration, m *metrics.Metrics) *Mixer {
	return &Mixer{
		out:      out,
		frameDur: frameDur,
		wait:     DefaultMixWait,
		backlog:  defaultMixBacklog,
		metrics:  m,
		now:      time.Now,
		members:  map[audio.Kind]bool{},
		queues:   map[audio.Kind][]queuedFrame{},
	}
}

// Add registers a source whose frames should be waited for.
func (m *Mixer) Add(kind audio.Kind) {
	m.mu.Lock()
	m.members[kind] = true
	m.mu.Unlock()
}

// Remove stops waiting for kind. Its queued frames still go out.
func (m *Mixer) Remove(kind audio.Kind) {
	m.mu.Lock()
	delete(m.members, kind)
	m.flushLocked()
	m.mu.Unlock()
}

// SendFrame queues f for mixing. It fails while the target is not
// accepting frames, and the source's queued frames are dropped with it.
func (m *Mixer) SendFrame(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.out.IsConnected() {
		delete(m.queues, f.Source)
		return ErrSinkUnavailable
	}
	q := append(m.queues[f.Source], queuedFrame{f: f, arrived: m.now()})
	if len(q) > m.backlog {
		n := len(q) - m.backlog
		q = q[n:]
		m.overflow.Add(uint64(n))
	}
	m.queues[f.Source] = q
	m.flushLocked()
	return nil
}

// Run sends frames whose partners are overdue until ctx ends.
func (m *Mixer) Run(ctx context.Context) {
	tick := m.frameDur / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
		}
	}
}

// flushLocked emits every slot that is complete or has waited long enough.
// A slot holds at most one frame per source: the heads that start within
// one frame duration of the oldest head.
func (m *Mixer) flushLocked() {
	for {
		var t0 time.Time
		found := false
		for _, q := range m.queues {
			if len(q) == 0 {
				continue
			}
			if c := q[0].f.Captured; !found || c.Before(t0) {
				t0, found = c, true
			}
		}
		if !found {
			return
		}

		end := t0.Add(m.frameDur)
		var slot []audio.Kind
		var firstArrival time.Time
		for kind, q := range m.queues {
			if len(q) == 0 || !q[0].f.Captured.Before(end) {
				continue
			}
			slot = append(slot, kind)
			if firstArrival.IsZero() || q[0].arrived.Before(firstArrival) {
				firstArrival = q[0].arrived
			}
		}

		complete := true
		for kind := range m.members {
			if len(m.queues[kind]) == 0 {
				complete = false
				break
			}
		}
		if !complete && m.now().Sub(firstArrival) < m.wait {
			return
		}

		frames := make([]Frame, 0, len(slot))
		for _, kind := range slot {
			q := m.queues[kind]
			frames = append(frames, q[0].f)
			if len(q) == 1 {
				delete(m.queues, kind)
			} else {
				m.queues[kind] = q[1:]
			}
		}
		m.emitLocked(t0, frames)
	}
}

func (m *Mixer) emitLocked(captured time.Time, frames []Frame) {
	out := frames[0]
	if len(frames) > 1 {
		out = Frame{
			Source:   frames[0].Source,
			Captured: captured,
			Duration: frames[0].Duration,
			PCM:      mixPCM(frames),
		}
	}
	out.Seq = m.seq
	m.seq++
	if err := m.out.SendFrame(out); err != nil {
		m.discarded.Add(1)
		m.metrics.RecordFrameDiscarded("mixed")
		return
	}
	m.mixed.Add(1)
}

// mixPCM sums 16-bit samples, clipping at full scale.
func mixPCM(frames []Frame) []byte {
	size := 0
	for _, f := range frames {
		size = max(size, len(f.PCM))
	}
	pcm := make([]byte, size)
	for i := 0; i+1 < size; i += 2 {
		var sum int32
		for _, f := range frames {
			if i+1 < len(f.PCM) {
				sum += int32(int16(binary.LittleEndian.Uint16(f.PCM[i:])))
			}
		}
		sum = min(max(sum, -32768), 32767)
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(sum)))
	}
	return pcm
}

// Mixed counts frames handed to the target.
func (m *Mixer) Mixed() uint64 { return m.mixed.Load() }

// Discarded counts mixed frames the target refused.
func (m *Mixer) Discarded() uint64 { return m.discarded.Load() }

// Overflow counts frames dropped because a source ran too far ahead.
func (m *Mixer) Overflow() uint64 { return m.overflow.Load() }
