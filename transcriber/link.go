package transcriber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callscribe/events"
	"callscribe/frame"
	"callscribe/log"
	"callscribe/metrics"
)

const (
	receiverCloseTimeout = 2 * time.Second
	senderStopTimeout    = 500 * time.Millisecond
)

// LinkStats summarizes one connection.
type LinkStats struct {
	ConnectDur   time.Duration
	SentFrames   int
	SentBytes    uint64
	QueueDrops   int
	KeepAlives   int
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	DecodeErrors int
	Started      time.Time
	Ended        time.Time
}

// Link owns at most one streaming connection at a time. Each successful
// Connect starts a sender and a receiver goroutine that live until the
// connection drops or Disconnect is called.
type Link struct {
	dialer    Dialer
	publisher events.Publisher
	metrics   *metrics.Metrics

	state atomic.Int32
	cur   atomic.Pointer[linkRun]

	mu         sync.Mutex // lifecycle transitions; never held across I/O
	gen        uint64
	dialCancel context.CancelFunc
	lastErr    error
	lastStats  LinkStats
}

func NewLink(dialer Dialer, publisher events.Publisher, m *metrics.Metrics) *Link {
	return &Link{dialer: dialer, publisher: publisher, metrics: m}
}

func (l *Link) State() ConnectionState { return ConnectionState(l.state.Load()) }

// IsConnected reports whether frames are currently accepted.
func (l *Link) IsConnected() bool { return l.State() == Streaming }

func (l *Link) setState(s ConnectionState) {
	l.state.Store(int32(s))
	l.metrics.SetLinkState(int(s))
}

// Connect dials the service and starts streaming. It fails with ErrBusy
// unless the link is Disconnected or Error. A link in Error is cleaned up
// first.
func (l *Link) Connect(ctx context.Context, creds Credentials, opts Options) error {
	if l.State() == Error {
		l.Disconnect()
	}

	l.mu.Lock()
	if s := l.State(); s != Disconnected {
		l.mu.Unlock()
		return fmt.Errorf("%w: link is %s", ErrBusy, s)
	}
	l.gen++
	gen := l.gen
	dialCtx, cancel := context.WithCancel(ctx)
	l.dialCancel = cancel
	l.lastErr = nil
	l.setState(Connecting)
	l.mu.Unlock()

	start := time.Now()
	stream, err := l.dialer.Dial(dialCtx, creds, opts)
	connectDur := time.Since(start)
	cancel()

	l.mu.Lock()
	current := l.gen == gen && l.State() == Connecting
	if l.gen == gen {
		l.dialCancel = nil
	}
	if err != nil {
		if current {
			l.setState(Disconnected)
		}
		l.lastErr = err
		l.mu.Unlock()
		l.metrics.RecordConnectFailure(Class(err))
		log.Warnf("link connect failed after %dms: %v", connectDur.Milliseconds(), err)
		return err
	}
	if !current {
		l.mu.Unlock()
		stream.Close()
		return fmt.Errorf("%w: connect aborted", ErrNetwork)
	}
	r := newLinkRun(stream, opts, connectDur)
	l.cur.Store(r)
	l.setState(Streaming)
	l.mu.Unlock()

	l.metrics.RecordConnect(connectDur)
	log.Infof("link streaming (model=%s, connect=%dms)", opts.Model, connectDur.Milliseconds())

	go l.runSender(r)
	go l.runReceiver(r)
	return nil
}

// SendFrame queues a frame for transmission. It never blocks: when the
// queue is full the oldest queued frame is dropped.
func (l *Link) SendFrame(f frame.Frame) error {
	if l.State() != Streaming {
		return ErrNotConnected
	}
	r := l.cur.Load()
	if r == nil {
		return ErrNotConnected
	}
	if r.enqueue(f.PCM) {
		l.metrics.RecordQueueDrop()
	}
	return nil
}

// Disconnect closes the connection gracefully: it stops sending, asks the
// service to flush, waits up to DrainTimeout for trailing results, then
// closes the transport. Safe to call in any state and more than once.
func (l *Link) Disconnect() {
	l.mu.Lock()
	state := l.State()
	switch state {
	case Disconnected:
		l.mu.Unlock()
		return
	case Connecting:
		if l.dialCancel != nil {
			l.dialCancel()
		}
		l.setState(Disconnected)
		l.mu.Unlock()
		return
	case Closing:
		r := l.cur.Load()
		l.mu.Unlock()
		if r != nil {
			<-r.closed
		}
		return
	}
	r := l.cur.Load()
	if !r.closing.CompareAndSwap(false, true) {
		l.mu.Unlock()
		<-r.closed
		return
	}
	l.mu.Unlock()

	// The sender must be idle before the state leaves Streaming. A Send
	// stuck on a stalled transport is released by closing the stream.
	r.stopSender()
	forced := false
	select {
	case <-r.sendDone:
	case <-time.After(senderStopTimeout):
		log.Warn("link sender stuck in write; closing transport")
		forced = true
		r.stream.Close()
		<-r.sendDone
	}
	l.mu.Lock()
	l.setState(Closing)
	l.mu.Unlock()

	if state == Streaming && !forced && r.failure() == nil {
		if err := r.stream.CloseSend(); err == nil {
			select {
			case <-r.recvDone:
			case <-time.After(r.opts.DrainTimeout):
			}
		} else {
			log.Warnf("link close-stream failed: %v", err)
		}
	}
	if err := r.stream.Close(); err != nil {
		log.Warnf("link close: %v", err)
	}
	select {
	case <-r.recvDone:
	case <-time.After(receiverCloseTimeout):
		log.Warn("link receiver drain timeout")
	}
	r.finish()

	stats := r.snapshot()
	stats.Ended = time.Now()

	l.mu.Lock()
	l.cur.Store(nil)
	l.lastStats = stats
	l.setState(Disconnected)
	l.mu.Unlock()
	close(r.closed)

	log.LinkStats(log.LinkStatsData{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		SentFrames:   stats.SentFrames,
		SentKB:       float64(stats.SentBytes) / 1024,
		QueueDrops:   stats.QueueDrops,
		KeepAlives:   stats.KeepAlives,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
		RecvInterim:  stats.RecvInterim,
		DecodeErrors: stats.DecodeErrors,
		DurationS:    stats.Ended.Sub(stats.Started).Seconds(),
	})
}

// Done is closed when the current connection ends, whether it dropped or
// was disconnected. With no connection it returns a closed channel.
func (l *Link) Done() <-chan struct{} {
	if r := l.cur.Load(); r != nil {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Err returns why the last connection attempt or connection failed.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Stats returns the live connection's counters, or the last finished
// connection's when none is open.
func (l *Link) Stats() LinkStats {
	if r := l.cur.Load(); r != nil {
		return r.snapshot()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStats
}

func (l *Link) fail(r *linkRun, err error) {
	r.errOnce.Do(func() {
		r.setFailure(err)

		l.mu.Lock()
		dropped := l.cur.Load() == r && l.State() == Streaming && !r.closing.Load()
		if dropped {
			l.lastErr = err
			l.setState(Error)
		}
		l.mu.Unlock()
		if !dropped {
			return
		}

		log.Warnf("link dropped: %v", err)
		r.stopSender()
		go r.stream.Close()
		r.finish()
	})
}

func (l *Link) runSender(r *linkRun) {
	defer close(r.sendDone)

	var keepAlive <-chan time.Time
	var timer *time.Timer
	if r.opts.KeepAlive > 0 {
		timer = time.NewTimer(r.opts.KeepAlive)
		defer timer.Stop()
		keepAlive = timer.C
	}

	for {
		select {
		case <-r.stop:
			return
		case pcm := <-r.queue:
			// Frames queued before a failure or close are never transmitted.
			if !r.accepting() {
				continue
			}
			if err := r.stream.Send(pcm); err != nil {
				l.fail(r, fmt.Errorf("%w: send: %w", ErrNetwork, err))
				return
			}
			r.mu.Lock()
			r.stats.SentFrames++
			r.stats.SentBytes += uint64(len(pcm))
			r.mu.Unlock()
			l.metrics.RecordFrameSent(len(pcm))
			if timer != nil {
				timer.Reset(r.opts.KeepAlive)
			}
		case <-keepAlive:
			if err := r.stream.KeepAlive(); err != nil {
				l.fail(r, fmt.Errorf("%w: keepalive: %w", ErrNetwork, err))
				return
			}
			r.mu.Lock()
			r.stats.KeepAlives++
			r.mu.Unlock()
			l.metrics.RecordKeepAlive()
			timer.Reset(r.opts.KeepAlive)
		}
	}
}

func (l *Link) runReceiver(r *linkRun) {
	defer close(r.recvDone)
	for {
		data, err := r.stream.Recv()
		if err != nil {
			if r.closing.Load() {
				return
			}
			l.fail(r, err)
			return
		}

		typ, t, err := decodeMessage(data, time.Now())
		r.mu.Lock()
		r.stats.RecvMessages++
		if err != nil {
			r.stats.DecodeErrors++
		} else if t != nil {
			if t.IsFinal {
				r.stats.RecvFinal++
			} else {
				r.stats.RecvInterim++
			}
		}
		r.mu.Unlock()

		if err != nil {
			l.metrics.RecordDecodeError()
			log.Warnf("skipping inbound message: %v", err)
			continue
		}
		if t == nil {
			if typ != msgResults {
				log.Infof("link message: %s", typ)
			}
			continue
		}
		l.metrics.RecordTranscript(t.IsFinal)
		if l.publisher != nil {
			l.publisher.Publish(*t)
		}
	}
}

// linkRun is the state of one connection.
type linkRun struct {
	stream Stream
	opts   Options
	queue  chan []byte

	stop     chan struct{}
	stopOnce sync.Once
	sendDone chan struct{}
	recvDone chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	closed   chan struct{}
	closing  atomic.Bool

	errOnce sync.Once
	mu      sync.Mutex
	err     error
	stats   LinkStats
}

func newLinkRun(stream Stream, opts Options, connectDur time.Duration) *linkRun {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultOptions().QueueSize
	}
	return &linkRun{
		stream:   stream,
		opts:     opts,
		queue:    make(chan []byte, size),
		stop:     make(chan struct{}),
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
		stats:    LinkStats{ConnectDur: connectDur, Started: time.Now()},
	}
}

// enqueue reports whether an older frame had to be dropped.
func (r *linkRun) enqueue(pcm []byte) bool {
	dropped := false
	for {
		select {
		case r.queue <- pcm:
			return dropped
		default:
		}
		select {
		case <-r.queue:
			dropped = true
			r.mu.Lock()
			r.stats.QueueDrops++
			r.mu.Unlock()
		default:
		}
	}
}

func (r *linkRun) stopSender() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *linkRun) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *linkRun) setFailure(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// accepting reports whether the connection may still transmit. fail and
// Disconnect record their decision here before the link state changes.
func (r *linkRun) accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err == nil && !r.closing.Load()
}

func (r *linkRun) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *linkRun) snapshot() LinkStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
