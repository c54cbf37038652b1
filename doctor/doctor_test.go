package doctor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"callscribe/audio"
	"callscribe/config"
	"callscribe/transcriber"
)

func tone(samples int, amp int16) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return pcm
}

func newChecker(t *testing.T) (*Checker, *audio.FakeContext, *transcriber.FakeDialer, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Deepgram.APIKey = "test-key"
	actx := audio.NewFakeContextPCM(tone(16000, 8000), false)
	actx.SetDevices(audio.Microphone, []audio.DeviceInfo{{ID: "1", Name: "AirPods Pro"}, {ID: "2", Name: "Built-in Mic"}})
	d := transcriber.NewFakeDialer()
	out := &bytes.Buffer{}
	return &Checker{Config: cfg, Audio: actx, Dialer: d, Out: out, CaptureTime: 100 * time.Millisecond}, actx, d, out
}

func TestAllChecksPass(t *testing.T) {
	c, actx, d, out := newChecker(t)
	if code := c.Run(context.Background()); code != 0 {
		t.Fatalf("exit code = %d\n%s", code, out)
	}
	text := out.String()
	for _, want := range []string{
		"[1/3] Audio devices",
		"AirPods Pro [bluetooth",
		"[2/3] Capture levels",
		"PASS: 2 source(s) capturing",
		"[3/3] Recognition service handshake",
		"All checks passed!",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q\n%s", want, text)
		}
	}
	if actx.Running() != 0 {
		t.Error("captures left running")
	}
	if d.Dials() != 1 || !d.Last().Closed() {
		t.Error("handshake connection not closed")
	}
}

func TestCaptureFailures(t *testing.T) {
	c, actx, _, out := newChecker(t)
	actx.FailStart(audio.Microphone, errors.New("permission denied"))
	if code := c.Run(context.Background()); code != 0 {
		t.Fatalf("one working source should pass, got %d\n%s", code, out)
	}
	if !strings.Contains(out.String(), "FAIL: microphone") {
		t.Errorf("microphone failure not reported\n%s", out)
	}

	c, actx, _, out = newChecker(t)
	actx.FailStart(audio.Microphone, errors.New("permission denied"))
	actx.FailStart(audio.Loopback, errors.New("no monitor"))
	if code := c.Run(context.Background()); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "no source could be started") {
		t.Errorf("output:\n%s", out)
	}
}

func TestSilenceWarns(t *testing.T) {
	c, actx, _, out := newChecker(t)
	actx.SetPCM(audio.Loopback, make([]byte, 32000))
	c.Config.Audio.Microphone = false
	c.Run(context.Background())
	if !strings.Contains(out.String(), "loopback gate heard no speech") {
		t.Errorf("output:\n%s", out)
	}
}

func TestLinkFailures(t *testing.T) {
	tests := []struct {
		name string
		key  string
		err  error
		want string
	}{
		{"missing key", "", nil, "no API key"},
		{"rejected", "k", fmt.Errorf("%w: handshake status 401", transcriber.ErrAuth), "API key was rejected"},
		{"bad model", "k", fmt.Errorf("%w: handshake status 400", transcriber.ErrProtocol), "service rejected model=nova-3"},
		{"offline", "k", fmt.Errorf("%w: no route", transcriber.ErrNetwork), "FAIL: network error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, d, out := newChecker(t)
			c.Config.Deepgram.APIKey = tt.key
			d.FailWith(tt.err)
			if code := c.Run(context.Background()); code != 1 {
				t.Fatalf("exit code = %d", code)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output missing %q\n%s", tt.want, out)
			}
		})
	}
}
