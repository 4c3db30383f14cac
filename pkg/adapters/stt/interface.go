package stt

import (
	"context"
	"errors"

	"github.com/harunnryd/tonerelay/pkg/frames"
)

// Transcriber defines the per-call link to a streaming recognizer.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Send forwards one inbound frame, connecting on first use.
	Send(ctx context.Context, frame frames.Frame) error
	// Close stops recognition and releases the remote connection.
	Close(ctx context.Context) error
}

// ErrClosed is returned, possibly wrapped, by Send after the link was closed
// locally.
var ErrClosed = errors.New("stt: transcriber closed")

type TranscriptHandler func(frames.TextFrame)

type FailureHandler func(error)

// Config is what a session hands to a Factory.
type Config struct {
	SessionID    string
	OnTranscript TranscriptHandler
	OnFailure    FailureHandler
}

// Factory builds one Transcriber per call session.
type Factory func(cfg Config) Transcriber
