package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"callscribe/events"
	"callscribe/pipeline"
)

type fakeControl struct {
	mu       sync.Mutex
	state    pipeline.State
	starts   int
	stops    int
	startErr error
}

func (f *fakeControl) StartPipeline(context.Context) (pipeline.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return pipeline.Idle, f.startErr
	}
	f.state = pipeline.Active
	return f.state, nil
}

func (f *fakeControl) StopPipeline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = pipeline.Idle
}

func (f *fakeControl) State() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func newTestModel(ctl *fakeControl) (tuiModel, *events.Accumulator) {
	acc := events.NewAccumulator()
	m := newTUIModel(context.Background(), ctl, acc, "session-1", func() (time.Duration, bool) {
		return 90 * time.Second, true
	})
	m.width, m.height = 80, 24
	return m, acc
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press applies a key and runs the resulting command, feeding its message back.
func press(t *testing.T, m tuiModel, k tea.KeyMsg) tuiModel {
	t.Helper()
	next, cmd := m.Update(k)
	m = next.(tuiModel)
	if cmd != nil {
		if msg := cmd(); msg != nil {
			next, _ = m.Update(msg)
			m = next.(tuiModel)
		}
	}
	return m
}

func TestToggleStartStop(t *testing.T) {
	ctl := &fakeControl{}
	m, _ := newTestModel(ctl)

	m = press(t, m, key("s"))
	if ctl.starts != 1 || ctl.State() != pipeline.Active {
		t.Fatalf("starts=%d state=%s", ctl.starts, ctl.State())
	}
	if m.busy {
		t.Fatal("still busy after start finished")
	}

	m = press(t, m, key("s"))
	if ctl.stops != 1 || ctl.State() != pipeline.Idle {
		t.Fatalf("stops=%d state=%s", ctl.stops, ctl.State())
	}
}

func TestToggleIgnoredWhileBusy(t *testing.T) {
	ctl := &fakeControl{}
	m, _ := newTestModel(ctl)

	next, cmd := m.Update(key("s"))
	if cmd == nil {
		t.Fatal("no start command")
	}
	m = next.(tuiModel)
	if _, cmd := m.Update(key("s")); cmd != nil {
		t.Fatal("second toggle issued a command while busy")
	}
}

func TestStartErrorShown(t *testing.T) {
	ctl := &fakeControl{startErr: errors.New("no API key")}
	m, _ := newTestModel(ctl)

	m = press(t, m, key("s"))
	if m.lastErr != "no API key" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
	if !strings.Contains(m.View(), "no API key") {
		t.Fatal("error not rendered")
	}
}

func TestQuitKeys(t *testing.T) {
	m, _ := newTestModel(&fakeControl{})
	for _, k := range []tea.KeyMsg{key("q"), {Type: tea.KeyCtrlC}} {
		_, cmd := m.Update(k)
		if cmd == nil {
			t.Fatalf("%s: no command", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("%s: command is not quit", k)
		}
	}
}

func TestCopyCommittedTranscript(t *testing.T) {
	m, acc := newTestModel(&fakeControl{})
	var copied string
	m.copyText = func(s string) error {
		copied = s
		return nil
	}

	m = press(t, m, key("c"))
	if copied != "" || m.notice != "nothing to copy yet" {
		t.Fatalf("copied=%q notice=%q", copied, m.notice)
	}

	acc.Apply(events.Transcript{Text: "hello there", IsFinal: true})
	acc.Apply(events.Transcript{Text: "general"})
	m = press(t, m, key("c"))
	if copied != "hello there" {
		t.Fatalf("copied %q, want committed text only", copied)
	}
	if m.notice != "copied 11 characters" {
		t.Fatalf("notice = %q", m.notice)
	}

	m.copyText = func(string) error { return errors.New("no clipboard utility") }
	m = press(t, m, key("c"))
	if !strings.HasPrefix(m.notice, "copy failed") {
		t.Fatalf("notice = %q", m.notice)
	}
}

func TestStatusEvents(t *testing.T) {
	m, _ := newTestModel(&fakeControl{})

	next, _ := m.Update(busEventMsg{Event: events.NewStatus(events.StateReconnecting, "attempt 2 failed")})
	m = next.(tuiModel)
	view := m.View()
	if !strings.Contains(view, "RECONNECTING") || !strings.Contains(view, "attempt 2 failed") {
		t.Fatalf("status not rendered:\n%s", view)
	}

	next, _ = m.Update(busEventMsg{Event: events.NewStatus(events.StateError, "authentication failed")})
	m = next.(tuiModel)
	if m.lastErr != "authentication failed" {
		t.Fatalf("lastErr = %q", m.lastErr)
	}
}

func TestViewShowsTranscript(t *testing.T) {
	m, acc := newTestModel(&fakeControl{})
	if !strings.Contains(m.View(), "Waiting for speech") {
		t.Fatal("missing placeholder")
	}

	acc.Apply(events.Transcript{Text: "first sentence.", IsFinal: true})
	acc.Apply(events.Transcript{Text: "second in progress"})
	view := m.View()
	for _, want := range []string{"first sentence.", "second in progress", "session-1", "1m30s left"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestViewKeepsNewestLines(t *testing.T) {
	m, acc := newTestModel(&fakeControl{})
	m.height = 8
	for i := 0; i < 40; i++ {
		acc.Apply(events.Transcript{Text: strings.Repeat("word ", 20) + string(rune('a'+i%26)), IsFinal: true})
	}
	acc.Apply(events.Transcript{Text: "latest interim"})
	if !strings.Contains(m.View(), "latest interim") {
		t.Fatal("newest line scrolled off")
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  []string
	}{
		{"", 10, []string{""}},
		{"short", 10, []string{"short"}},
		{"hello brave new world", 11, []string{"hello brave", "new world"}},
		{"abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"héllo wörld", 6, []string{"héllo", "wörld"}},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
		}
	}
}
