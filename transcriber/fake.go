package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeDialer hands out FakeStreams. Tests script inbound messages and
// inspect what was sent.
type FakeDialer struct {
	mu      sync.Mutex
	err     error
	script  []string
	hold    chan struct{}
	dials   int
	streams []*FakeStream
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailWith makes later dials fail with err. A nil err restores success.
func (d *FakeDialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Script queues inbound messages on every stream dialed afterwards.
func (d *FakeDialer) Script(msgs ...string) {
	d.mu.Lock()
	d.script = append([]string(nil), msgs...)
	d.mu.Unlock()
}

// Hold blocks later dials until the returned release func is called or the
// dial context ends.
func (d *FakeDialer) Hold() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hold == ch {
				d.hold = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

func (d *FakeDialer) Dial(ctx context.Context, creds Credentials, _ Options) (Stream, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dial: %w", ErrNetwork, ctx.Err())
		}
	}

	if strings.TrimSpace(creds.APIKey) == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrAuth)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := NewFakeStream()
	for _, m := range d.script {
		s.Deliver(m)
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently dialed stream, or nil.
func (d *FakeDialer) Last() *FakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func (d *FakeDialer) Streams() []*FakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeStream(nil), d.streams...)
}

// FakeStream behaves like a service connection: CloseSend ends the inbound
// side once queued messages are read, and Drop simulates a transport error.
type FakeStream struct {
	inbound chan []byte
	dropped chan struct{}
	ended   chan struct{}
	closed  chan struct{}

	dropOnce  sync.Once
	endOnce   sync.Once
	closeOnce sync.Once

	mu         sync.Mutex
	sent       [][]byte
	keepAlives int
	closeSent  bool
	onSend     func(pcm []byte)
}

func NewFakeStream() *FakeStream {
	return &FakeStream{
		inbound: make(chan []byte, 256),
		dropped: make(chan struct{}),
		ended:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Deliver queues one inbound message.
func (s *FakeStream) Deliver(msg string) {
	s.inbound <- []byte(msg)
}

// Drop breaks the transport: Recv and Send fail from now on.
func (s *FakeStream) Drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// OnSend registers a hook run for every audio frame before it is recorded.
func (s *FakeStream) OnSend(fn func(pcm []byte)) {
	s.mu.Lock()
	s.onSend = fn
	s.mu.Unlock()
}

func (s *FakeStream) broken() error {
	select {
	case <-s.dropped:
		return fmt.Errorf("%w: connection reset", ErrNetwork)
	case <-s.closed:
		return fmt.Errorf("%w: use of closed stream", ErrNetwork)
	default:
		return nil
	}
}

func (s *FakeStream) Send(pcm []byte) error {
	if err := s.broken(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(pcm)
	}
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	s.mu.Unlock()
	return nil
}

func (s *FakeStream) KeepAlive() error {
	if err := s.broken(); err != nil {
		return err
	}
	s.mu.Lock()
	s.keepAlives++
	s.mu.Unlock()
	return nil
}

func (s *FakeStream) CloseSend() error {
	if err := s.broken(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closeSent = true
	s.mu.Unlock()
	s.endOnce.Do(func() { close(s.ended) })
	return nil
}

func (s *FakeStream) Recv() ([]byte, error) {
	select {
	case m := <-s.inbound:
		return m, nil
	default:
	}
	select {
	case m := <-s.inbound:
		return m, nil
	case <-s.dropped:
		return nil, fmt.Errorf("%w: connection reset", ErrNetwork)
	case <-s.ended:
		// Let messages queued before CloseSend through first.
		select {
		case m := <-s.inbound:
			return m, nil
		default:
		}
		return nil, fmt.Errorf("%w: stream ended", ErrNetwork)
	case <-s.closed:
		return nil, fmt.Errorf("%w: use of closed stream", ErrNetwork)
	}
}

func (s *FakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *FakeStream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *FakeStream) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

func (s *FakeStream) CloseSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSent
}

func (s *FakeStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
