package metrics

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// JSONLObserver writes one JSON object per event. The relay uses it to keep
// tone results in a file next to the regular log.
type JSONLObserver struct {
	logger *slog.Logger
	closer io.Closer
	names  map[string]bool
}

// NewJSONLObserver records events to w. When names is non-empty only those events are kept.
func NewJSONLObserver(w io.Writer, names ...string) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	o := &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
	if len(names) > 0 {
		o.names = make(map[string]bool, len(names))
		for _, n := range names {
			o.names[n] = true
		}
	}
	return o
}

// OpenJSONLFile appends events to path, creating parent directories as needed.
func OpenJSONLFile(path string, names ...string) (*JSONLObserver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	o := NewJSONLObserver(f, names...)
	o.closer = f
	return o, nil
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	if o.names != nil && !o.names[ev.Name] {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.logger.LogAttrs(context.TODO(), slog.LevelInfo, "event", attrs...)
}

func (o *JSONLObserver) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
