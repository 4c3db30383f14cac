// Package transcriber holds the per-call websocket link to the speech
// recognizer.
package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/tonerelay/pkg/adapters/stt"
	"github.com/harunnryd/tonerelay/pkg/auth"
	"github.com/harunnryd/tonerelay/pkg/errorsx"
	"github.com/harunnryd/tonerelay/pkg/frames"
	"github.com/harunnryd/tonerelay/pkg/logging"
	"github.com/harunnryd/tonerelay/pkg/metrics"
	"github.com/harunnryd/tonerelay/pkg/redact"
)

const (
	DefaultURL          = "wss://stream.watsonplatform.net/speech-to-text/api/v1/recognize"
	DefaultModel        = "en-UK_NarrowbandModel"
	DefaultCloseTimeout = 3 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

var ErrLinkClosed = fmt.Errorf("transcriber: link closed: %w", stt.ErrClosed)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TokenFetcher yields a fresh bearer token for the recognizer.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (auth.Token, error)
}

type Config struct {
	URL          string
	Model        string
	CloseTimeout time.Duration
	WriteTimeout time.Duration
	SessionID    string
	Tokens       TokenFetcher
	Dialer       *websocket.Dialer
	OnTranscript stt.TranscriptHandler
	OnFailure    stt.FailureHandler
	Observer     metrics.Observer
}

// Link is a lazily connected recognizer socket owned by one session.
type Link struct {
	cfg    Config
	logger *slog.Logger

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	token        string
	tokenFetched bool
	err          error
	readerDone   chan struct{}

	connects atomic.Int32
}

func New(cfg Config) *Link {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(slog.Default(), "transcriber")
	if cfg.SessionID != "" {
		logger = logger.With(slog.String("session_id", cfg.SessionID))
	}
	return &Link{cfg: cfg, logger: logger}
}

// NewFactory binds shared settings and returns a per-session constructor.
func NewFactory(base Config) stt.Factory {
	return func(sc stt.Config) stt.Transcriber {
		cfg := base
		cfg.SessionID = sc.SessionID
		cfg.OnTranscript = sc.OnTranscript
		cfg.OnFailure = sc.OnFailure
		return New(cfg)
	}
}

func (l *Link) Name() string { return "watson_streaming" }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connects reports how many times the remote socket was dialed.
func (l *Link) Connects() int { return int(l.connects.Load()) }

// Send forwards a frame, connecting on the first call. Audio goes out as a
// binary message; control frames go out as a start message via MergeStart.
func (l *Link) Send(ctx context.Context, frame frames.Frame) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := l.ensureOpen(ctx)
	if err != nil {
		return err
	}
	switch f := frame.(type) {
	case frames.AudioFrame:
		return l.write(conn, websocket.BinaryMessage, f.RawPayload())
	case frames.ControlFrame:
		payload, err := MergeStart(f.Options())
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonControlDecode)
		}
		return l.write(conn, websocket.TextMessage, payload)
	default:
		return errorsx.Wrapf(errorsx.ReasonSTTSend, "transcriber: unsupported frame kind %q", frame.Kind())
	}
}

func (l *Link) ensureOpen(ctx context.Context) (*websocket.Conn, error) {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	l.mu.Lock()
	switch l.state {
	case StateOpen:
		conn := l.conn
		l.mu.Unlock()
		return conn, nil
	case StateFailed:
		err := l.err
		l.mu.Unlock()
		return nil, err
	case StateClosing, StateClosed:
		l.mu.Unlock()
		return nil, ErrLinkClosed
	}
	l.state = StateConnecting
	l.mu.Unlock()

	conn, err := l.dial(ctx)

	l.mu.Lock()
	if err != nil {
		l.state = StateFailed
		l.err = err
		l.mu.Unlock()
		l.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventLinkConnect, 1, map[string]string{"outcome": "error"}))
		l.logger.Error("transcriber_connect_failed",
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.Reason(err))))
		return nil, err
	}
	if l.state != StateConnecting {
		// Closed while dialing.
		l.mu.Unlock()
		_ = conn.Close()
		return nil, ErrLinkClosed
	}
	done := make(chan struct{})
	l.conn = conn
	l.readerDone = done
	l.state = StateOpen
	l.mu.Unlock()

	l.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventLinkConnect, 1, map[string]string{"outcome": "ok"}))
	l.logger.Info("transcriber_connected", slog.String("model", l.cfg.Model))
	go l.readLoop(conn, done)
	return conn, nil
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := l.bearer(ctx)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("transcriber: parse url: %w", err), errorsx.ReasonSTTConnect)
	}
	q := u.Query()
	q.Set("access_token", token)
	q.Set("model", l.cfg.Model)
	u.RawQuery = q.Encode()

	l.connects.Add(1)
	conn, resp, err := l.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, errorsx.Wrap(fmt.Errorf("transcriber: dial (status %d): %w", status, err), errorsx.ReasonSTTConnect)
	}
	return conn, nil
}

// bearer fetches the token at most once for the link's lifetime.
func (l *Link) bearer(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.tokenFetched {
		token := l.token
		l.mu.Unlock()
		return token, nil
	}
	l.mu.Unlock()

	if l.cfg.Tokens == nil {
		return "", errorsx.Wrapf(errorsx.ReasonAuth, "transcriber: no token source configured")
	}
	tok, err := l.cfg.Tokens.FetchToken(ctx)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonAuth)
	}

	l.mu.Lock()
	l.token = tok.AccessToken
	l.tokenFetched = true
	l.mu.Unlock()
	return tok.AccessToken, nil
}

func (l *Link) write(conn *websocket.Conn, messageType int, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	// Close flips the state before taking writeMu, so nothing lands after stop.
	if st := l.State(); st != StateOpen {
		if st == StateFailed {
			return l.failure()
		}
		return ErrLinkClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		if l.State() == StateClosing {
			return ErrLinkClosed
		}
		return errorsx.Wrap(fmt.Errorf("transcriber: write: %w", err), errorsx.ReasonSTTSend)
	}
	return nil
}

func (l *Link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return ErrLinkClosed
	}
	return l.err
}

// Close sends one stop message and closes the socket. A link that never
// opened just moves to Closed. Safe to call more than once.
func (l *Link) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	switch l.state {
	case StateClosing, StateClosed:
		l.mu.Unlock()
		return nil
	case StateOpen:
	default:
		l.state = StateClosed
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosing
	conn := l.conn
	done := l.readerDone
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.cfg.CloseTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	// An audio write blocked on an unresponsive peer holds writeMu, so the
	// lock is only awaited until the deadline.
	locked := make(chan struct{})
	go func() {
		l.writeMu.Lock()
		close(locked)
	}()

	var closeErr error
	select {
	case <-locked:
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, stopMessage); err != nil {
			closeErr = errorsx.Wrap(fmt.Errorf("transcriber: write stop: %w", err), errorsx.ReasonSTTSend)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		l.writeMu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			l.logger.Warn("transcriber_close_timeout", slog.Duration("timeout", l.cfg.CloseTimeout))
		}
		_ = conn.Close()
	case <-ctx.Done():
		l.logger.Warn("transcriber_close_timeout",
			slog.Duration("timeout", l.cfg.CloseTimeout),
			slog.Bool("writer_blocked", true))
		closeErr = errorsx.Wrapf(errorsx.ReasonSTTSend, "transcriber: stop not sent, writer blocked")
		// Closing the socket fails the blocked write and releases writeMu.
		_ = conn.Close()
		<-locked
		l.writeMu.Unlock()
	}
	<-done

	l.mu.Lock()
	l.state = StateClosed
	l.mu.Unlock()
	l.logger.Info("transcriber_closed")
	return closeErr
}

func (l *Link) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			l.remoteDropped(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		l.handleMessage(data)
	}
}

func (l *Link) remoteDropped(conn *websocket.Conn, cause error) {
	l.mu.Lock()
	if l.state != StateOpen {
		l.mu.Unlock()
		return
	}
	err := errorsx.Wrap(fmt.Errorf("transcriber: remote closed: %w", cause), errorsx.ReasonSTTRemote)
	l.state = StateFailed
	l.err = err
	l.mu.Unlock()

	_ = conn.Close()
	l.logger.Error("transcriber_remote_closed", slog.String("error", cause.Error()))
	if l.cfg.OnFailure != nil {
		l.cfg.OnFailure(err)
	}
}

func (l *Link) handleMessage(data []byte) {
	var ev RecognitionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		l.logger.Warn("transcriber_message_invalid", slog.String("error", err.Error()))
		return
	}
	if ev.Error != "" {
		l.logger.Error("transcriber_remote_error", slog.String("error", ev.Error))
		return
	}
	if ev.State != "" {
		l.logger.Debug("transcriber_state", slog.String("state", ev.State))
	}
	for _, w := range ev.Warnings {
		l.logger.Warn("transcriber_warning", slog.String("warning", w))
	}

	text, final, ok := ev.Transcript()
	if !ok {
		return
	}
	finalTag := strconv.FormatBool(final)
	l.cfg.Observer.RecordEvent(metrics.NewEvent(metrics.EventTranscript, 1, map[string]string{"final": finalTag}))
	l.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(text)),
		slog.Bool("is_final", final))
	if l.cfg.OnTranscript == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource:      "stt",
		frames.MetaIsFinal:     finalTag,
		frames.MetaResultIndex: strconv.Itoa(ev.ResultIndex),
	}
	l.cfg.OnTranscript(frames.NewTextFrame(l.cfg.SessionID, time.Now().UnixNano(), text, meta))
}

var _ stt.Transcriber = (*Link)(nil)
