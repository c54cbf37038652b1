package main

import (
	"fmt"
	"io"
	"strings"

	"callscribe/events"
	"callscribe/log"
)

// transcriptWriter folds transcripts into the running transcript, appends
// finals to the transcript log and, in headless mode, prints them.
type transcriptWriter struct {
	acc    *events.Accumulator
	out    io.Writer // finals; nil when the TUI owns the terminal
	status io.Writer // status changes; nil to skip
}

func (w *transcriptWriter) Run(sub *events.Subscription) {
	for e := range sub.Events() {
		w.handle(e)
	}
}

func (w *transcriptWriter) handle(e events.Event) {
	switch ev := e.(type) {
	case events.Transcript:
		w.acc.Apply(ev)
		text := strings.TrimSpace(ev.Text)
		if !ev.IsFinal || text == "" {
			return
		}
		log.TranscriptText(ev.Source, text)
		if w.out != nil {
			fmt.Fprintf(w.out, "[%s] %s\n", ev.Received.Format("15:04:05"), text)
		}
	case events.Status:
		if w.status == nil {
			return
		}
		if ev.Message != "" {
			fmt.Fprintf(w.status, "-- %s: %s\n", ev.State, ev.Message)
		} else {
			fmt.Fprintf(w.status, "-- %s\n", ev.State)
		}
	}
}
