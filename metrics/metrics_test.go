package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestRecordedValuesExposed(t *testing.T) {
	m := New()
	m.RecordFrameSent(640)
	m.RecordFrameSent(640)
	m.RecordTranscript(true)
	m.RecordTranscript(false)
	m.RecordTranscript(false)
	m.RecordGate("microphone", 3, 7)
	m.RecordFrameDiscarded("loopback")
	m.RecordChunksDropped("loopback", 0)
	m.RecordConnect(120 * time.Millisecond)
	m.SetPipelineActive(true)

	body := scrape(t, m)
	for _, want := range []string{
		"callscribe_link_frames_sent_total 2",
		"callscribe_link_bytes_sent_total 1280",
		`callscribe_transcripts_total{kind="final"} 1`,
		`callscribe_transcripts_total{kind="interim"} 2`,
		`callscribe_frames_gated_total{decision="forwarded",source="microphone"} 3`,
		`callscribe_frames_gated_total{decision="suppressed",source="microphone"} 7`,
		`callscribe_frames_discarded_total{source="loopback"} 1`,
		"callscribe_link_connect_duration_seconds_count 1",
		"callscribe_pipeline_active 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(body, "callscribe_capture_chunks_dropped_total{") {
		t.Error("zero drop count should not create a series")
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordReconnect()
	if strings.Contains(scrape(t, b), "callscribe_link_reconnects_total 1") {
		t.Fatal("instances share a registry")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordFrameSent(10)
	m.RecordQueueDrop()
	m.RecordTranscript(true)
	m.SetLinkState(2)
	m.RecordBusDropped("tui")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil handler status = %d, want 404", rec.Code)
	}
}
