package frame

import (
	"time"

	"callscribe/audio"
)

// Frame is a fixed-duration slice of one source's PCM stream.
type Frame struct {
	Source   audio.Kind
	Seq      uint64
	Captured time.Time // capture time of the first sample
	Duration time.Duration
	PCM      []byte
}

// Buffer accumulates capture chunks of arbitrary size and cuts them into
// frames of exactly one frame duration. Not safe for concurrent use.
type Buffer struct {
	source     audio.Kind
	frameDur   time.Duration
	frameBytes int
	sampleRate int

	pending      []byte
	pendingStart time.Time
	seq          uint64
}

func NewBuffer(source audio.Kind, frameDur time.Duration, sampleRate int) *Buffer {
	samples := int(int64(sampleRate) * int64(frameDur) / int64(time.Second))
	return &Buffer{
		source:     source,
		frameDur:   frameDur,
		frameBytes: samples * audio.BytesPerSample,
		sampleRate: sampleRate,
	}
}

// FrameBytes is the PCM size of one complete frame.
func (b *Buffer) FrameBytes() int { return b.frameBytes }

func (b *Buffer) pcmDuration(n int) time.Duration {
	samples := n / audio.BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Write appends a chunk and returns every frame it completed, in capture
// order. A chunk's capture time marks the end of its samples.
func (b *Buffer) Write(c audio.Chunk) []Frame {
	if len(c.PCM) == 0 || b.frameBytes == 0 {
		return nil
	}
	if len(b.pending) == 0 {
		b.pendingStart = c.Captured.Add(-b.pcmDuration(len(c.PCM)))
	}
	b.pending = append(b.pending, c.PCM...)

	var frames []Frame
	for len(b.pending) >= b.frameBytes {
		pcm := make([]byte, b.frameBytes)
		copy(pcm, b.pending[:b.frameBytes])
		frames = append(frames, Frame{
			Source:   b.source,
			Seq:      b.seq,
			Captured: b.pendingStart,
			Duration: b.frameDur,
			PCM:      pcm,
		})
		b.seq++
		b.pendingStart = b.pendingStart.Add(b.frameDur)
		b.pending = b.pending[b.frameBytes:]
	}
	if len(b.pending) == 0 {
		b.pending = nil
	} else if len(frames) > 0 {
		b.pending = append([]byte(nil), b.pending...)
	}
	return frames
}

// Pending is the number of buffered bytes not yet forming a frame.
func (b *Buffer) Pending() int { return len(b.pending) }

func (b *Buffer) Reset() {
	b.pending = nil
	b.pendingStart = time.Time{}
}
