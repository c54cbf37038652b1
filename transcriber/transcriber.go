package transcriber

import (
	"context"
	"errors"
	"time"
)

// ConnectionState is the lifecycle state of a Link.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Streaming
	Closing
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Error:
		return "error"
	}
	return "unknown"
}

var (
	ErrAuth         = errors.New("authentication rejected")
	ErrNetwork      = errors.New("network error")
	ErrProtocol     = errors.New("protocol error")
	ErrNotConnected = errors.New("link not streaming")
	ErrBusy         = errors.New("link busy")
	ErrDecode       = errors.New("undecodable message")
)

// Fatal reports whether retrying cannot fix err.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrProtocol)
}

// Class names the error category for logs and metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}

type Credentials struct {
	APIKey string
}

// Options configure one streaming connection.
type Options struct {
	Endpoint       string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	Endpointing    time.Duration
	InterimResults bool
	SmartFormat    bool
	Punctuate      bool
	Numerals       bool

	KeepAlive    time.Duration // idle interval before a keep-alive is sent
	QueueSize    int           // outbound frames buffered before dropping the oldest
	DrainTimeout time.Duration // how long Disconnect waits for trailing results
}

func DefaultOptions() Options {
	return Options{
		Endpoint:       DefaultEndpoint,
		Model:          "nova-3",
		Language:       "en-US",
		SampleRate:     16000,
		Channels:       1,
		Endpointing:    50 * time.Millisecond,
		InterimResults: true,
		SmartFormat:    true,
		Punctuate:      true,
		Numerals:       true,
		KeepAlive:      5 * time.Second,
		QueueSize:      250,
		DrainTimeout:   1500 * time.Millisecond,
	}
}

// Dialer opens streaming connections to a recognition service.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, opts Options) (Stream, error)
}

// Stream is one open connection. Send, KeepAlive and CloseSend are called
// from a single goroutine; Recv from another.
type Stream interface {
	Send(pcm []byte) error
	KeepAlive() error
	// CloseSend asks the service to flush pending results and end the stream.
	CloseSend() error
	// Recv returns the next inbound text message.
	Recv() ([]byte, error)
	Close() error
}
