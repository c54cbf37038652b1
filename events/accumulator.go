package events

import (
	"strings"
	"sync"
)

type AccumulatorStats struct {
	Finals   int
	Interims int
	Words    int
}

// Accumulator builds a running transcript: committed finals plus the latest
// interim, which the next final supersedes. Safe for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	finals    []string
	interim   string
	lastFinal Transcript
	stats     AccumulatorStats
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply folds a transcript event in. Empty texts are ignored.
func (a *Accumulator) Apply(t Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.IsFinal {
		a.finals = append(a.finals, text)
		a.interim = ""
		a.lastFinal = t
		a.stats.Finals++
		a.stats.Words += len(strings.Fields(text))
		return
	}
	a.interim = text
	a.stats.Interims++
}

// Committed joins all finals.
func (a *Accumulator) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.finals, " ")
}

// Text is the committed transcript followed by the pending interim.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	committed := strings.Join(a.finals, " ")
	switch {
	case a.interim == "":
		return committed
	case committed == "":
		return a.interim
	}
	return committed + " " + a.interim
}

// Interim returns the pending interim text, if any.
func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

func (a *Accumulator) LastFinal() (Transcript, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFinal, a.stats.Finals > 0
}

func (a *Accumulator) Stats() AccumulatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finals = nil
	a.interim = ""
	a.lastFinal = Transcript{}
	a.stats = AccumulatorStats{}
}
