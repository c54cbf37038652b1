package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"callscribe/events"

	"nhooyr.io/websocket"
)

const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

// Deepgram dials the Deepgram live transcription API.
type Deepgram struct {
	client *http.Client
}

func NewDeepgram() *Deepgram {
	return &Deepgram{}
}

func (d *Deepgram) Dial(ctx context.Context, creds Credentials, opts Options) (Stream, error) {
	key := strings.TrimSpace(creds.APIKey)
	if key == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrAuth)
	}

	endpoint, err := listenURL(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+key)

	// The stream outlives ctx; ctx only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	conn, resp, err := websocket.Dial(streamCtx, endpoint, &websocket.DialOptions{
		HTTPClient: d.client,
		HTTPHeader: headers,
	})
	if !stop() {
		if err == nil {
			conn.CloseNow()
		}
		cancel()
		return nil, fmt.Errorf("%w: dial: %w", ErrNetwork, ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, classifyHandshake(resp, err)
	}
	conn.SetReadLimit(1 << 20)

	return &deepgramStream{conn: conn, ctx: streamCtx, cancel: cancel}, nil
}

func listenURL(opts Options) (string, error) {
	raw := opts.Endpoint
	if raw == "" {
		raw = DefaultEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	q := u.Query()
	model := opts.Model
	if model == "" {
		model = "nova-3"
	}
	q.Set("model", model)
	q.Set("encoding", "linear16")
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	if opts.Channels > 0 {
		q.Set("channels", strconv.Itoa(opts.Channels))
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(opts.Endpointing.Milliseconds(), 10))
	}
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	q.Set("numerals", strconv.FormatBool(opts.Numerals))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyHandshake(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: handshake status %d", ErrAuth, resp.StatusCode)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: handshake status %d", ErrProtocol, resp.StatusCode)
	}
	return fmt.Errorf("%w: handshake status %d: %w", ErrNetwork, resp.StatusCode, err)
}

type deepgramStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *deepgramStream) Send(pcm []byte) error {
	return s.conn.Write(s.ctx, websocket.MessageBinary, pcm)
}

func (s *deepgramStream) KeepAlive() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`))
}

func (s *deepgramStream) CloseSend() error {
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// Recv skips binary messages; the service only sends JSON text.
func (s *deepgramStream) Recv() ([]byte, error) {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return nil, fmt.Errorf("%w: closed by service (%d)", ErrNetwork, status)
			}
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (s *deepgramStream) Close() error {
	defer s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type deepgramMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Inbound message kinds.
const (
	msgResults       = "Results"
	msgMetadata      = "Metadata"
	msgSpeechStarted = "SpeechStarted"
	msgUtteranceEnd  = "UtteranceEnd"
)

// decodeMessage parses one inbound message. It returns the message type and,
// for Results carrying text, a transcript.
func decodeMessage(data []byte, received time.Time) (string, *events.Transcript, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	switch msg.Type {
	case msgResults:
	case msgMetadata, msgSpeechStarted, msgUtteranceEnd:
		return msg.Type, nil, nil
	case "":
		return "", nil, fmt.Errorf("%w: missing type", ErrDecode)
	default:
		return msg.Type, nil, nil
	}

	if len(msg.Channel.Alternatives) == 0 {
		return msg.Type, nil, nil
	}
	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return msg.Type, nil, nil
	}
	return msg.Type, &events.Transcript{
		Source:      "mixed",
		Text:        text,
		IsFinal:     msg.IsFinal || msg.SpeechFinal,
		SpeechFinal: msg.SpeechFinal,
		Confidence:  alt.Confidence,
		Start:       msg.Start,
		Duration:    msg.Duration,
		Received:    received,
	}, nil
}
