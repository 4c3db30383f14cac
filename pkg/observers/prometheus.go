package observers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/tonerelay/pkg/metrics"
)

const namespace = "tonerelay"

// PrometheusObserver turns relay events into Prometheus series on its own registry.
type PrometheusObserver struct {
	registry *prometheus.Registry

	sessionsTotal   prometheus.Counter
	sessionsActive  prometheus.Gauge
	sessionDuration prometheus.Histogram
	audioFrames     prometheus.Counter
	audioBytes      prometheus.Counter
	controlFrames   prometheus.Counter
	linkConnects    *prometheus.CounterVec
	transcripts     *prometheus.CounterVec
	toneAnalyses    *prometheus.CounterVec
}

func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of inbound call sessions opened",
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open call sessions",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		audioFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames relayed to the transcriber",
		}),
		audioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed to the transcriber",
		}),
		controlFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_frames_total",
			Help:      "Control messages relayed to the transcriber",
		}),
		linkConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_connects_total",
			Help:      "Transcriber connection attempts by outcome",
		}, []string{"outcome"}),
		transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Transcript events received from the transcriber",
		}, []string{"final"}),
		toneAnalyses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tone_analyses_total",
			Help:      "Tone analysis calls by outcome",
		}, []string{"outcome"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case metrics.EventSessionOpened:
		p.sessionsTotal.Inc()
		p.sessionsActive.Inc()
	case metrics.EventSessionClosed:
		p.sessionsActive.Dec()
		p.sessionDuration.Observe(ev.Value)
	case metrics.EventAudioFrame:
		p.audioFrames.Inc()
		p.audioBytes.Add(ev.Value)
	case metrics.EventControlFrame:
		p.controlFrames.Inc()
	case metrics.EventLinkConnect:
		p.linkConnects.WithLabelValues(tagOr(ev, "outcome", "unknown")).Inc()
	case metrics.EventTranscript:
		p.transcripts.WithLabelValues(tagOr(ev, "final", "false")).Inc()
	case metrics.EventToneAnalysis:
		p.toneAnalyses.WithLabelValues(tagOr(ev, "outcome", "unknown")).Inc()
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func tagOr(ev metrics.MetricsEvent, key, fallback string) string {
	if v := ev.Tags[key]; v != "" {
		return v
	}
	return fallback
}
