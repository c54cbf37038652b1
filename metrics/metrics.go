package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Capture and gating
	ChunksDropped   *prometheus.CounterVec
	FramesGated     *prometheus.CounterVec
	FramesDiscarded *prometheus.CounterVec
	RunningSources  prometheus.Gauge

	// Transcription link
	FramesSent       prometheus.Counter
	BytesSent        prometheus.Counter
	QueueDrops       prometheus.Counter
	KeepAlives       prometheus.Counter
	Transcripts      *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	LinkState        prometheus.Gauge
	ConnectDuration  prometheus.Histogram
	ConnectFailures  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	PipelineStarts   *prometheus.CounterVec
	PipelineActive   prometheus.Gauge
	SessionsExpired  prometheus.Counter
	BusDropped       *prometheus.CounterVec
	RelayPublishErrs prometheus.Counter
	FeedClients      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_capture_chunks_dropped_total",
			Help: "Capture chunks discarded because the source queue was full",
		}, []string{"source"}),
		FramesGated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_frames_gated_total",
			Help: "Frames seen by the voice-activity gate, by decision",
		}, []string{"source", "decision"}),
		FramesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_frames_discarded_total",
			Help: "Forwarded frames the link refused because it was not streaming",
		}, []string{"source"}),
		RunningSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscribe_running_sources",
			Help: "Audio sources currently capturing",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_link_frames_sent_total",
			Help: "Audio frames written to the recognition service",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_link_bytes_sent_total",
			Help: "Audio bytes written to the recognition service",
		}),
		QueueDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_link_queue_drops_total",
			Help: "Outbound frames dropped because the send queue was full",
		}),
		KeepAlives: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_link_keepalives_total",
			Help: "Keep-alive messages sent while idle",
		}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_transcripts_total",
			Help: "Transcript events decoded, by finality",
		}, []string{"kind"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_link_decode_errors_total",
			Help: "Inbound messages that could not be decoded",
		}),
		LinkState: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscribe_link_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 streaming, 3 closing, 4 error)",
		}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscribe_link_connect_duration_seconds",
			Help:    "Time to establish the streaming connection",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_link_connect_failures_total",
			Help: "Failed connection attempts, by error class",
		}, []string{"class"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_link_reconnects_total",
			Help: "Successful reconnects after an unexpected drop",
		}),
		PipelineStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_pipeline_starts_total",
			Help: "Pipeline start attempts, by resulting state",
		}, []string{"result"}),
		PipelineActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscribe_pipeline_active",
			Help: "1 while the pipeline is active or partially active",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_sessions_expired_total",
			Help: "Sessions ended by their duration limit",
		}),
		BusDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_bus_events_dropped_total",
			Help: "Events dropped from a subscriber backlog",
		}, []string{"subscriber"}),
		RelayPublishErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_relay_publish_errors_total",
			Help: "Events the relay failed to publish",
		}),
		FeedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscribe_feed_clients",
			Help: "Connected WebSocket feed clients",
		}),
	}
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordChunksDropped(source string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksDropped.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) RecordGate(source string, forwarded, suppressed int) {
	if m == nil {
		return
	}
	if forwarded > 0 {
		m.FramesGated.WithLabelValues(source, "forwarded").Add(float64(forwarded))
	}
	if suppressed > 0 {
		m.FramesGated.WithLabelValues(source, "suppressed").Add(float64(suppressed))
	}
}

func (m *Metrics) RecordFrameDiscarded(source string) {
	if m == nil {
		return
	}
	m.FramesDiscarded.WithLabelValues(source).Inc()
}

func (m *Metrics) SetRunningSources(n int) {
	if m == nil {
		return
	}
	m.RunningSources.Set(float64(n))
}

func (m *Metrics) RecordFrameSent(bytes int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.QueueDrops.Inc()
}

func (m *Metrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlives.Inc()
}

func (m *Metrics) RecordTranscript(final bool) {
	if m == nil {
		return
	}
	kind := "interim"
	if final {
		kind = "final"
	}
	m.Transcripts.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) SetLinkState(state int) {
	if m == nil {
		return
	}
	m.LinkState.Set(float64(state))
}

func (m *Metrics) RecordConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordConnectFailure(class string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(class).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) RecordPipelineStart(result string) {
	if m == nil {
		return
	}
	m.PipelineStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPipelineActive(active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.PipelineActive.Set(v)
}

func (m *Metrics) RecordSessionExpired() {
	if m == nil {
		return
	}
	m.SessionsExpired.Inc()
}

func (m *Metrics) RecordBusDropped(subscriber string) {
	if m == nil {
		return
	}
	m.BusDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) RecordRelayError() {
	if m == nil {
		return
	}
	m.RelayPublishErrs.Inc()
}

func (m *Metrics) SetFeedClients(n int) {
	if m == nil {
		return
	}
	m.FeedClients.Set(float64(n))
}
