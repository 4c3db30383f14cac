// Package relay binds one inbound call socket to its transcriber link and
// routes transcripts to tone analysis.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/tonerelay/pkg/adapters/stt"
	"github.com/harunnryd/tonerelay/pkg/errorsx"
	"github.com/harunnryd/tonerelay/pkg/frames"
	"github.com/harunnryd/tonerelay/pkg/logging"
	"github.com/harunnryd/tonerelay/pkg/metrics"
	"github.com/harunnryd/tonerelay/pkg/redact"
	"github.com/harunnryd/tonerelay/pkg/tone"
)

// Websocket close codes used when the relay ends an inbound leg.
const (
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

const (
	DefaultCloseTimeout  = 3 * time.Second
	DefaultAnalysisQueue = 32
)

// Analyzer scores a transcript. *tone.Client satisfies it.
type Analyzer interface {
	TopTones(ctx context.Context, text string) ([]tone.Score, error)
}

// HangupFunc ends the inbound leg with a websocket close code.
type HangupFunc func(code int, reason string)

type Config struct {
	NewTranscriber stt.Factory
	Analyzer       Analyzer
	Registry       *Registry
	Observer       metrics.Observer
	CloseTimeout   time.Duration
	AnalysisQueue  int
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.AnalysisQueue <= 0 {
		c.AnalysisQueue = DefaultAnalysisQueue
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	return c
}

// Session is one live call. The transport read loop is the only caller of
// OnMessage, so frames reach the link in arrival order.
type Session struct {
	id     string
	cfg    Config
	link   stt.Transcriber
	hangup HangupFunc
	logger *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	queue      chan frames.TextFrame
	workerDone chan struct{}

	openedAt  time.Time
	closed    atomic.Bool
	closeOnce sync.Once
	failOnce  sync.Once
}

func NewSession(cfg Config, hangup HangupFunc) *Session {
	cfg = cfg.withDefaults()
	if hangup == nil {
		hangup = func(int, string) {}
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		cfg:        cfg,
		hangup:     hangup,
		logger:     logging.NewComponentLogger(cfg.Logger, "relay").With(slog.String("session_id", id)),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan frames.TextFrame, cfg.AnalysisQueue),
		workerDone: make(chan struct{}),
	}
	s.link = cfg.NewTranscriber(stt.Config{
		SessionID:    id,
		OnTranscript: s.onTranscript,
		OnFailure:    s.onLinkFailure,
	})
	go s.analysisWorker()
	return s
}

func (s *Session) ID() string { return s.id }

// OpenedAt is set by OnOpen, before the session becomes visible in the Registry.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// Closed reports whether OnClose has run.
func (s *Session) Closed() bool { return s.closed.Load() }

// OnOpen registers the session. The transcriber stays unconnected until the
// first inbound message.
func (s *Session) OnOpen() {
	s.openedAt = time.Now()
	s.cfg.Registry.Add(s)
	s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventSessionOpened, 1, map[string]string{"session_id": s.id}))
	s.logger.Info("relay_session_opened", slog.Int("active", s.cfg.Registry.Len()))
}

// OnMessage forwards one inbound frame. Binary audio goes to the link as-is;
// text is decoded as a JSON control object. Bad control text is logged and
// dropped. A link error is fatal and triggers a hangup.
func (s *Session) OnMessage(ctx context.Context, frame frames.Frame) error {
	if s.closed.Load() {
		return errorsx.Wrapf(errorsx.ReasonSTTClosed, "relay: session %s closed", s.id)
	}
	if ctx == nil {
		ctx = s.ctx
	}
	var err error
	switch f := frame.(type) {
	case frames.AudioFrame:
		s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventAudioFrame, float64(f.Len()), nil))
		err = s.link.Send(ctx, f)
	case frames.TextFrame:
		ctrl, derr := DecodeControl(s.id, f.PTS(), f.Text())
		if derr != nil {
			s.logger.Warn("control_message_invalid",
				slog.String("error", derr.Error()),
				slog.String("reason", string(errorsx.Reason(derr))))
			return nil
		}
		s.logger.Info("control_message", slog.Any("data", rawOptions(ctrl.Options())))
		s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventControlFrame, 1, nil))
		err = s.link.Send(ctx, ctrl)
	case frames.ControlFrame:
		s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventControlFrame, 1, nil))
		err = s.link.Send(ctx, f)
	default:
		return nil
	}
	if err != nil {
		// A link closed by OnClose or Drain is an orderly end, not a failure.
		if s.closed.Load() || errors.Is(err, stt.ErrClosed) {
			return err
		}
		s.fail(err)
		return err
	}
	return nil
}

// OnClose tears the session down. It is safe to call more than once and
// returns once the link is closed or the close timeout has passed.
func (s *Session) OnClose() {
	s.shutdown(context.Background())
}

func (s *Session) shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cfg.Registry.Remove(s.id)

		closeCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
		if err := s.link.Close(closeCtx); err != nil {
			s.logger.Warn("transcriber_close_failed",
				slog.String("error", err.Error()),
				slog.String("reason", string(errorsx.Reason(err))))
		}
		cancel()

		s.cancel()
		<-s.workerDone

		dur := time.Since(s.openedAt)
		if s.openedAt.IsZero() {
			dur = 0
		}
		s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventSessionClosed, dur.Seconds(), map[string]string{"session_id": s.id}))
		s.logger.Info("relay_session_closed",
			slog.Duration("duration", dur),
			slog.Int("active", s.cfg.Registry.Len()))
	})
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.logger.Error("relay_session_failed",
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.Reason(err))))
		s.hangup(CloseInternalError, "transcriber unavailable")
	})
}

func (s *Session) onLinkFailure(err error) {
	if s.closed.Load() {
		return
	}
	s.fail(err)
}

func (s *Session) onTranscript(f frames.TextFrame) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- f:
	default:
		s.logger.Warn("tone_queue_full",
			slog.String("reason", string(errorsx.ReasonTransportOverflow)),
			slog.Int("capacity", cap(s.queue)))
		s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventToneAnalysis, 1, map[string]string{"outcome": "dropped"}))
	}
}

func (s *Session) analysisWorker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.queue:
			s.analyze(f)
		}
	}
}

func (s *Session) analyze(f frames.TextFrame) {
	text := strings.TrimSpace(f.Text())
	if text == "" || s.cfg.Analyzer == nil {
		return
	}
	tones, err := s.cfg.Analyzer.TopTones(s.ctx, text)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		outcome := "error"
		if errorsx.HasReason(err, errorsx.ReasonToneCircuitOpen) {
			outcome = "circuit_open"
		}
		s.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventToneAnalysis, 1, map[string]string{"outcome": outcome}))
		s.logger.Warn("tone_analysis_failed",
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.Reason(err))))
		return
	}
	ev := metrics.NewEvent(metrics.EventToneAnalysis, 1, map[string]string{"outcome": "ok"})
	ev.Fields = map[string]any{
		"session_id": s.id,
		"transcript": redact.Text(text),
		"is_final":   f.IsFinal(),
		"tones":      tones,
	}
	s.cfg.Observer.RecordEvent(ev)
	s.logger.Info("tone_analysis",
		slog.String("transcript", redact.Text(text)),
		slog.Bool("is_final", f.IsFinal()),
		slog.Any("tones", tones))
}

// DecodeControl parses an inbound text message into a control frame. Only
// JSON objects are accepted.
func DecodeControl(sessionID string, pts int64, text string) (frames.ControlFrame, error) {
	var opts map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &opts); err != nil {
		return frames.ControlFrame{}, errorsx.Wrap(fmt.Errorf("relay: decode control: %w", err), errorsx.ReasonControlDecode)
	}
	if opts == nil {
		return frames.ControlFrame{}, errorsx.Wrap(errors.New("relay: control message is not an object"), errorsx.ReasonControlDecode)
	}
	meta := map[string]string{frames.MetaSource: "transport"}
	return frames.NewControlFrame(sessionID, pts, frames.ControlStart, opts, meta), nil
}

func rawOptions(opts map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = string(v)
	}
	return out
}
