package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"callscribe/audio"
	"callscribe/events"
	"callscribe/frame"
	"callscribe/log"
	"callscribe/metrics"
	"callscribe/transcriber"

	"github.com/cenkalti/backoff/v5"
)

// State is the lifecycle state of the whole pipeline. It is separate from
// the link's connection state: an Active pipeline may be reconnecting.
type State int32

const (
	Idle State = iota
	Starting
	Active
	PartialFailure
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case PartialFailure:
		return "partial"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

var (
	ErrBusy            = errors.New("pipeline is stopping")
	ErrNoSources       = errors.New("no audio source started")
	ErrSessionInactive = errors.New("session not active")
	ErrAborted         = errors.New("pipeline start aborted")
	ErrSessionEnded    = errors.New("session ended")
	ErrSourcesLost     = errors.New("all audio sources lost")
)

// Link is the transcription link as seen by the supervisor.
type Link interface {
	Connect(ctx context.Context, creds transcriber.Credentials, opts transcriber.Options) error
	SendFrame(f frame.Frame) error
	Disconnect()
	IsConnected() bool
	Done() <-chan struct{}
	Err() error
}

type SessionChecker interface {
	IsSessionActive(id string) bool
}

// SourceSpec pairs a source with its own gate settings.
type SourceSpec struct {
	Source audio.Source
	Gate   frame.GateConfig
}

type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

type Config struct {
	Credentials   transcriber.Credentials
	Options       transcriber.Options
	Sources       []SourceSpec
	FrameDuration time.Duration
	SampleRate    int
	Backoff       Backoff

	// SessionID, when set, gates capture on the session registry.
	SessionID   string
	SessionPoll time.Duration
}

// Supervisor owns the link and every capture handle. Start and stop are
// safe to call concurrently; overlapping starts collapse into one.
type Supervisor struct {
	cfg      Config
	link     Link
	pub      events.Publisher
	sessions SessionChecker
	metrics  *metrics.Metrics

	mu      sync.Mutex
	state   State
	run     *run
	stopped chan struct{} // closed when the in-flight stop finishes

	halts chan error
}

func NewSupervisor(cfg Config, link Link, pub events.Publisher, sessions SessionChecker, m *metrics.Metrics) *Supervisor {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.SessionPoll <= 0 {
		cfg.SessionPoll = time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 500 * time.Millisecond
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 30 * cfg.Backoff.Initial
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	return &Supervisor{cfg: cfg, link: link, pub: pub, sessions: sessions, metrics: m, halts: make(chan error, 1)}
}

// Halted delivers the cause whenever the pipeline stops itself: a fatal
// link error, a failed reconnect, ErrSourcesLost or ErrSessionEnded. Causes
// are dropped while one is pending.
func (s *Supervisor) Halted() <-chan error { return s.halts }

// run is one Start..Stop cycle.
type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	started chan struct{} // closed when StartPipeline returns
	mixer   *frame.Mixer

	mu      sync.Mutex
	sources []*runningSource
	running atomic.Int32

	pumps   sync.WaitGroup
	watcher sync.WaitGroup
}

type runningSource struct {
	source audio.Source
	handle *audio.CaptureHandle
	pump   *frame.Pump
}

func newRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{ctx: ctx, cancel: cancel, started: make(chan struct{})}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.state = st
	s.metrics.SetPipelineActive(st == Active || st == PartialFailure)
}

// RunningSources counts sources whose frames are still being pumped.
func (s *Supervisor) RunningSources() int {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return 0
	}
	return int(r.running.Load())
}

// IsActive reports whether audio is flowing: the link is streaming and at
// least one source runs.
func (s *Supervisor) IsActive() bool {
	return s.link.IsConnected() && s.RunningSources() > 0
}

func (s *Supervisor) status(state events.State, msg string) {
	log.PipelineStatus(string(state), msg)
	if s.pub != nil {
		s.pub.Publish(events.NewStatus(state, msg))
	}
}

func (s *Supervisor) sessionActive() bool {
	if s.sessions == nil || s.cfg.SessionID == "" {
		return true
	}
	return s.sessions.IsSessionActive(s.cfg.SessionID)
}

// StartPipeline connects the link, then starts every configured source. A
// source that fails to start leaves the pipeline in PartialFailure as long
// as another one runs. Calling it while starting or running returns the
// current state and no error.
func (s *Supervisor) StartPipeline(ctx context.Context) (State, error) {
	s.mu.Lock()
	switch s.state {
	case Starting, Active, PartialFailure:
		st := s.state
		s.mu.Unlock()
		return st, nil
	case Stopping:
		s.mu.Unlock()
		return Stopping, ErrBusy
	}
	if len(s.cfg.Sources) == 0 {
		s.mu.Unlock()
		return Idle, ErrNoSources
	}
	if !s.sessionActive() {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrSessionInactive, s.cfg.SessionID)
		s.status(events.StateError, err.Error())
		s.metrics.RecordPipelineStart("refused")
		return Idle, err
	}
	r := newRun()
	r.mixer = frame.NewMixer(s.link, s.cfg.FrameDuration, s.metrics)
	s.run = r
	s.setState(Starting)
	s.mu.Unlock()
	defer close(r.started)

	s.status(events.StateStarting, "")

	// The sink has to exist before any source produces.
	connectCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)
	err := s.link.Connect(connectCtx, s.cfg.Credentials, s.cfg.Options)
	stop()
	cancel()
	if err != nil {
		return s.abortStart(r, fmt.Errorf("connect: %w", err))
	}

	var failures []string
	for _, spec := range s.cfg.Sources {
		if r.ctx.Err() != nil {
			break
		}
		kind := spec.Source.Kind()
		gate, err := frame.NewGate(spec.Gate)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		h, err := spec.Source.Start()
		if err != nil {
			log.Warnf("%s source failed to start: %v", kind, err)
			failures = append(failures, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		log.Infof("%s source capturing from %q", kind, h.DeviceName())
		buf := frame.NewBuffer(kind, s.cfg.FrameDuration, s.cfg.SampleRate)
		r.mu.Lock()
		r.sources = append(r.sources, &runningSource{
			source: spec.Source,
			handle: h,
			pump:   frame.NewPump(buf, gate, r.mixer, s.metrics),
		})
		r.mu.Unlock()
	}

	s.mu.Lock()
	if s.run != r || s.state != Starting {
		// StopPipeline took over and releases whatever was started.
		s.mu.Unlock()
		s.metrics.RecordPipelineStart("aborted")
		return s.State(), ErrAborted
	}
	r.mu.Lock()
	started := len(r.sources)
	r.mu.Unlock()
	if started == 0 {
		s.mu.Unlock()
		return s.abortStart(r, fmt.Errorf("%w: %s", ErrNoSources, strings.Join(failures, "; ")))
	}
	st := Active
	if len(failures) > 0 {
		st = PartialFailure
	}
	s.setState(st)
	s.startPumps(r)
	r.watcher.Add(1)
	go s.watch(r)
	s.mu.Unlock()

	if st == PartialFailure {
		s.status(events.StatePartial, strings.Join(failures, "; "))
		s.metrics.RecordPipelineStart("partial")
	} else {
		s.status(events.StateStreaming, "")
		s.metrics.RecordPipelineStart("active")
	}
	return st, nil
}

// abortStart tears down a start that failed on its own. If StopPipeline
// already owns the run, it is left to do the cleanup.
func (s *Supervisor) abortStart(r *run, err error) (State, error) {
	s.mu.Lock()
	if s.run != r || s.state != Starting {
		s.mu.Unlock()
		s.metrics.RecordPipelineStart("aborted")
		return s.State(), ErrAborted
	}
	s.setState(Stopping)
	done := make(chan struct{})
	s.stopped = done
	s.mu.Unlock()

	log.Errorf("pipeline start failed: %v", err)
	s.teardown(r)

	s.mu.Lock()
	s.run = nil
	s.stopped = nil
	s.setState(Idle)
	s.mu.Unlock()
	close(done)

	s.status(events.StateError, err.Error())
	s.metrics.RecordPipelineStart("failed")
	return Idle, err
}

// startPumps is called with s.mu held.
func (s *Supervisor) startPumps(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pumps.Add(1)
	go func() {
		defer r.pumps.Done()
		r.mixer.Run(r.ctx)
	}()
	for _, rs := range r.sources {
		r.mixer.Add(rs.handle.Kind())
		r.running.Add(1)
		r.pumps.Add(1)
		go func(rs *runningSource) {
			defer r.pumps.Done()
			rs.pump.Run(r.ctx, rs.handle.Samples())
			r.mixer.Remove(rs.handle.Kind())
			n := r.running.Add(-1)
			s.metrics.SetRunningSources(int(n))
			if r.ctx.Err() == nil {
				s.sourceLost(r, rs, int(n))
			}
		}(rs)
	}
	s.metrics.SetRunningSources(len(r.sources))
}

// sourceLost handles a source whose samples ended while the run was live.
// The pipeline degrades to PartialFailure while another source runs and
// stops once none is left.
func (s *Supervisor) sourceLost(r *run, rs *runningSource, remaining int) {
	kind := rs.handle.Kind()
	msg := fmt.Sprintf("%s source stopped", kind)
	if err := rs.handle.Err(); err != nil {
		msg = err.Error()
	}
	log.Warnf("%s (%d still running)", msg, remaining)

	if remaining > 0 {
		s.mu.Lock()
		if s.run == r && s.state == Active {
			s.setState(PartialFailure)
		}
		s.mu.Unlock()
		s.status(events.StatePartial, msg)
		return
	}
	cause := fmt.Errorf("%w: %s", ErrSourcesLost, msg)
	s.status(events.StateError, cause.Error())
	go s.halt(r, cause)
}

// StopPipeline stops every source, then disconnects the link. It returns
// once everything is released. Stopping an idle pipeline does nothing.
func (s *Supervisor) StopPipeline() {
	s.stop(nil, "")
}

// stop ends run r, or the current run when r is nil. It reports whether
// this call did the stopping.
func (s *Supervisor) stop(r *run, reason string) bool {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.mu.Unlock()
		return false
	case Stopping:
		done := s.stopped
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return false
	}
	if r != nil && s.run != r {
		s.mu.Unlock()
		return false
	}
	r = s.run
	s.setState(Stopping)
	done := make(chan struct{})
	s.stopped = done
	s.mu.Unlock()

	s.status(events.StateStopping, reason)
	r.cancel()
	<-r.started
	s.teardown(r)

	s.mu.Lock()
	s.run = nil
	s.stopped = nil
	s.setState(Idle)
	s.mu.Unlock()
	close(done)

	s.status(events.StateDisconnected, "")
	return true
}

// halt stops run r on the supervisor's own initiative and announces it on
// Halted.
func (s *Supervisor) halt(r *run, cause error) {
	if !s.stop(r, cause.Error()) {
		return
	}
	select {
	case s.halts <- cause:
	default:
	}
}

// teardown releases sources before the link so the link never outlives its
// last producer with frames in flight.
func (s *Supervisor) teardown(r *run) {
	r.cancel()
	r.watcher.Wait()

	r.mu.Lock()
	sources := r.sources
	r.sources = nil
	r.mu.Unlock()
	for _, rs := range sources {
		rs.source.Stop(rs.handle)
		kind := rs.handle.Kind().String()
		s.metrics.RecordChunksDropped(kind, rs.handle.Dropped())
		log.Infof("%s source released (frames=%d sent=%d suppressed=%d discarded=%d chunks_dropped=%d)",
			kind, rs.pump.Frames(), rs.pump.Sent(), rs.pump.Suppressed(), rs.pump.Discarded(), rs.handle.Dropped())
	}
	r.pumps.Wait()
	s.metrics.SetRunningSources(0)
	if n := r.mixer.Overflow(); n > 0 {
		log.Warnf("mixer dropped %d frames from a source running ahead", n)
	}

	s.link.Disconnect()
}

// watch reconnects the link after unexpected drops and stops the pipeline
// when its session ends.
func (s *Supervisor) watch(r *run) {
	defer r.watcher.Done()

	ticker := time.NewTicker(s.cfg.SessionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if !s.sessionActive() {
				s.sessionEnded(r)
				return
			}
		case <-s.link.Done():
			if r.ctx.Err() != nil {
				return
			}
			if !s.recover(r) {
				return
			}
		}
	}
}

func (s *Supervisor) sessionEnded(r *run) {
	log.Warnf("session %s no longer active, stopping capture", s.cfg.SessionID)
	s.metrics.RecordSessionExpired()
	go s.halt(r, ErrSessionEnded)
}

// recover handles one link drop. It reports whether watching should go on.
func (s *Supervisor) recover(r *run) bool {
	cause := s.link.Err()
	s.link.Disconnect()
	if r.ctx.Err() != nil {
		return false
	}

	msg := "link closed"
	if cause != nil {
		msg = cause.Error()
	}
	s.status(events.StateDisconnected, msg)
	if transcriber.Fatal(cause) {
		s.status(events.StateError, msg)
		go s.halt(r, cause)
		return false
	}

	err := s.reconnect(r)
	switch {
	case err == nil:
		s.metrics.RecordReconnect()
		s.status(events.StateStreaming, "reconnected")
		return true
	case r.ctx.Err() != nil:
		return false
	case errors.Is(err, ErrSessionInactive):
		s.sessionEnded(r)
	default:
		s.status(events.StateError, err.Error())
		go s.halt(r, err)
	}
	return false
}

// reconnect retries Connect with capped exponential backoff until it
// succeeds, fails permanently or the run ends. Sources keep running and
// their frames are discarded meanwhile.
func (s *Supervisor) reconnect(r *run) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.Backoff.Initial,
		RandomizationFactor: s.cfg.Backoff.Jitter,
		Multiplier:          s.cfg.Backoff.Multiplier,
		MaxInterval:         s.cfg.Backoff.Max,
	}
	attempt := 0
	_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
		attempt++
		if !s.sessionActive() {
			return struct{}{}, backoff.Permanent(ErrSessionInactive)
		}
		err := s.link.Connect(r.ctx, s.cfg.Credentials, s.cfg.Options)
		if err == nil {
			log.Infof("link reconnected after %d attempt(s)", attempt)
			return struct{}{}, nil
		}
		if transcriber.Fatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.status(events.StateReconnecting, fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempt, err, next.Round(time.Millisecond)))
		}),
	)
	return err
}
