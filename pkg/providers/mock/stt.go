package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/tonerelay/pkg/adapters/stt"
	"github.com/harunnryd/tonerelay/pkg/frames"
)

var ErrClosed = fmt.Errorf("mock transcriber closed: %w", stt.ErrClosed)

// Transcriber records frames in memory and lets tests push transcripts
// and failures through the session callbacks.
type Transcriber struct {
	cfg stt.Config

	mu       sync.Mutex
	sent     []frames.Frame
	opened   bool
	closed   bool
	connects int
	stops    int
	sendErr  error
	// CloseDelay simulates a slow remote on Close.
	CloseDelay time.Duration
	// BeforeSend runs at the start of every Send, outside the lock.
	BeforeSend func(frames.Frame)
}

func NewTranscriber(cfg stt.Config) *Transcriber {
	return &Transcriber{cfg: cfg}
}

// Factory returns an stt.Factory that hands every new transcriber to track.
func Factory(track func(*Transcriber)) stt.Factory {
	return func(cfg stt.Config) stt.Transcriber {
		t := NewTranscriber(cfg)
		if track != nil {
			track(t)
		}
		return t
	}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Send(ctx context.Context, frame frames.Frame) error {
	if t.BeforeSend != nil {
		t.BeforeSend(frame)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	if !t.opened {
		t.opened = true
		t.connects++
	}
	t.sent = append(t.sent, frame)
	return nil
}

func (t *Transcriber) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	opened := t.opened
	if opened {
		t.stops++
	}
	delay := t.CloseDelay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// FailSends makes every later Send return err.
func (t *Transcriber) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Emit delivers a transcript as if it came from the recognizer.
func (t *Transcriber) Emit(text string, final bool) {
	if t.cfg.OnTranscript == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: strconv.FormatBool(final),
	}
	t.cfg.OnTranscript(frames.NewTextFrame(t.cfg.SessionID, time.Now().UnixNano(), text, meta))
}

// Drop simulates the remote side going away.
func (t *Transcriber) Drop(err error) {
	if t.cfg.OnFailure != nil {
		t.cfg.OnFailure(err)
	}
}

func (t *Transcriber) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

func (t *Transcriber) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Stops counts stop signals, which are only sent to an opened link.
func (t *Transcriber) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *Transcriber) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

var _ stt.Transcriber = (*Transcriber)(nil)
