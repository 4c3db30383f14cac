package metrics

import "time"

// Event names recorded by the relay.
const (
	EventSessionOpened = "session_opened"
	EventSessionClosed = "session_closed"
	EventAudioFrame    = "audio_frame"
	EventControlFrame  = "control_frame"
	EventLinkConnect   = "link_connect"
	EventTranscript    = "transcript"
	EventToneAnalysis  = "tone_analysis"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent stamps an event with the current time.
func NewEvent(name string, value float64, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
