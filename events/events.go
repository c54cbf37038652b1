package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a pipeline lifecycle state carried by Status events.
type State string

const (
	StateStarting     State = "starting"
	StateStreaming    State = "streaming"
	StatePartial      State = "partial"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Event is either a Transcript or a Status.
type Event interface {
	Type() string
	At() time.Time
}

// Transcript is one recognition result. The service hears a single mixed
// stream, so Source names the mix rather than an individual device.
type Transcript struct {
	Source      string    `json:"source"`
	Text        string    `json:"text"`
	IsFinal     bool      `json:"is_final"`
	SpeechFinal bool      `json:"speech_final"`
	Confidence  float64   `json:"confidence"`
	Start       float64   `json:"start"`    // seconds into the stream
	Duration    float64   `json:"duration"` // seconds
	Received    time.Time `json:"received"`
}

func (Transcript) Type() string { return "transcript" }

func (t Transcript) At() time.Time { return t.Received }

type Status struct {
	State   State     `json:"state"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

func (Status) Type() string { return "status" }

func (s Status) At() time.Time { return s.Time }

func NewStatus(state State, message string) Status {
	return Status{State: state, Message: message, Time: time.Now()}
}

// Publisher is anything that accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

type envelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// Marshal encodes an event as {"type": ..., "data": {...}}.
func Marshal(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("marshal nil event")
	}
	return json.Marshal(envelope{Type: e.Type(), Data: e})
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Type {
	case "transcript":
		var t Transcript
		if err := json.Unmarshal(raw.Data, &t); err != nil {
			return nil, err
		}
		return t, nil
	case "status":
		var s Status
		if err := json.Unmarshal(raw.Data, &s); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown event type %q", raw.Type)
}
