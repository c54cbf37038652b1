package frame

import (
	"context"
	"sync/atomic"

	"callscribe/audio"
	"callscribe/log"
	"callscribe/metrics"
)

// Sink accepts frames for transmission. An error means the frame was not
// taken and must be discarded.
type Sink interface {
	SendFrame(f Frame) error
}

// Pump moves one source's chunks through its buffer and gate into a sink.
type Pump struct {
	source  audio.Kind
	buf     *Buffer
	gate    *Gate
	sink    Sink
	metrics *metrics.Metrics

	sent       atomic.Uint64
	discarded  atomic.Uint64
	frames     atomic.Uint64
	suppressed atomic.Uint64
}

func NewPump(buf *Buffer, gate *Gate, sink Sink, m *metrics.Metrics) *Pump {
	return &Pump{source: buf.source, buf: buf, gate: gate, sink: sink, metrics: m}
}

// Run returns when ctx is cancelled or samples is closed.
func (p *Pump) Run(ctx context.Context, samples <-chan audio.Chunk) {
	source := p.source.String()
	rejecting := false
	var last GateStats

	for {
		var c audio.Chunk
		var ok bool
		select {
		case <-ctx.Done():
			return
		case c, ok = <-samples:
			if !ok {
				return
			}
		}

		for _, f := range p.buf.Write(c) {
			for _, out := range p.gate.Process(f) {
				if err := p.sink.SendFrame(out); err != nil {
					p.discarded.Add(1)
					p.metrics.RecordFrameDiscarded(source)
					if !rejecting {
						rejecting = true
						log.Warnf("%s frames discarded: %v", source, err)
					}
					continue
				}
				if rejecting {
					rejecting = false
					log.Infof("%s frames flowing again (discarded so far: %d)", source, p.discarded.Load())
				}
				p.sent.Add(1)
			}
		}

		stats := p.gate.Stats()
		p.metrics.RecordGate(source, stats.Forwarded-last.Forwarded, stats.Suppressed-last.Suppressed)
		p.frames.Store(uint64(stats.Frames))
		p.suppressed.Store(uint64(stats.Suppressed))
		last = stats
	}
}

func (p *Pump) Source() audio.Kind { return p.source }

// Sent counts frames the sink accepted.
func (p *Pump) Sent() uint64 { return p.sent.Load() }

// Discarded counts forwarded frames the sink refused.
func (p *Pump) Discarded() uint64 { return p.discarded.Load() }

// Frames counts frames cut from the capture stream.
func (p *Pump) Frames() uint64 { return p.frames.Load() }

// Suppressed counts frames the gate dropped as silence.
func (p *Pump) Suppressed() uint64 { return p.suppressed.Load() }
