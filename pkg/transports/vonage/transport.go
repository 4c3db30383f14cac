// Package vonage serves the voice API webhooks and the inbound call socket.
package vonage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/tonerelay/pkg/errorsx"
	"github.com/harunnryd/tonerelay/pkg/frames"
	"github.com/harunnryd/tonerelay/pkg/logging"
	"github.com/harunnryd/tonerelay/pkg/redact"
	"github.com/harunnryd/tonerelay/pkg/relay"
	"github.com/harunnryd/tonerelay/pkg/transports"
)

const jsonContentType = "application/json; charset=UTF-8"

type Config struct {
	ServerAddr       string   `mapstructure:"server_addr"`
	ServerURL        string   `mapstructure:"server_url"`
	VirtualNumber    string   `mapstructure:"virtual_number"`
	RecordingsPath   string   `mapstructure:"recordings_path"`
	WebsocketPath    string   `mapstructure:"ws_path"`
	AudioContentType string   `mapstructure:"audio_content_type"`
	AllowAnyOrigin   bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	MaxMessageBytes  int64    `mapstructure:"max_message_bytes"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	if c.RecordingsPath == "" {
		c.RecordingsPath = "/recordings"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/inbound-call-socket"
	}
	if c.AudioContentType == "" {
		c.AudioContentType = "audio/l16;rate=16000"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

type Transport struct {
	cfg      Config
	sessions relay.Config
	metrics  http.Handler
	upgrader websocket.Upgrader
	handler  http.Handler
	logger   *slog.Logger

	server *http.Server
	addr   atomic.Value
	errCh  chan error

	draining atomic.Bool
}

// New builds the transport. Each accepted socket gets a relay session built
// from sessions. metricsHandler may be nil.
func New(cfg Config, sessions relay.Config, metricsHandler http.Handler) *Transport {
	cfg = cfg.withDefaults()
	if sessions.Registry == nil {
		sessions.Registry = relay.NewRegistry()
	}
	t := &Transport{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metricsHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(sessions.Logger, "vonage"),
		errCh:  make(chan error, 1),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	t.handler = t.routes()
	return t
}

func (t *Transport) Name() string { return "vonage" }

// Handler exposes the router, mainly for tests.
func (t *Transport) Handler() http.Handler { return t.handler }

// Registry returns the registry sessions are tracked in.
func (t *Transport) Registry() *relay.Registry { return t.sessions.Registry }

func (t *Transport) Errors() <-chan error { return t.errCh }

// Addr is the bound listen address once Start has returned.
func (t *Transport) Addr() string {
	if v, ok := t.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (t *Transport) ReadyFields() map[string]any {
	base := strings.TrimRight(t.cfg.ServerURL, "/")
	return map[string]any{
		"listen_addr":    t.Addr(),
		"answer_url":     base + "/",
		"event_url":      base + "/",
		"recordings_url": base + t.cfg.RecordingsPath,
		"websocket_url":  base + t.cfg.WebsocketPath,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return err
	}
	t.addr.Store(ln.Addr().String())
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.handler,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("vonage_transport_server_error", slog.String("error", err.Error()))
			t.errCh <- err
		}
	}()
	return nil
}

func (t *Transport) Stop(ctx context.Context) error {
	t.draining.Store(true)
	if t.server == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return t.server.Shutdown(ctx)
}

func (t *Transport) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", t.handleAnswer)
	r.Post("/", t.handleEvent)
	r.Post(t.cfg.RecordingsPath, t.handleRecording)
	r.Get(t.cfg.WebsocketPath, t.handleSocket)
	r.Post(t.cfg.WebsocketPath, t.handleSocket)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"active": t.sessions.Registry.Len()})
	})
	r.Get("/sessions/{id}", t.handleSession)
	if t.metrics != nil {
		r.Method(http.MethodGet, "/metrics", t.metrics)
	}
	return r
}

func (t *Transport) handleAnswer(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	t.logger.Info("ncco_fetched", slog.String("to", redact.Phone(to)))
	ncco := BuildNCCO(t.cfg.ServerURL, t.cfg.VirtualNumber, t.cfg.RecordingsPath, t.cfg.WebsocketPath, t.cfg.AudioContentType)
	writeJSON(w, http.StatusOK, ncco)
}

type sessionInfo struct {
	ID       string    `json:"id"`
	OpenedAt time.Time `json:"opened_at"`
	Uptime   string    `json:"uptime"`
}

func (t *Transport) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := t.sessions.Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	opened := sess.OpenedAt()
	writeJSON(w, http.StatusOK, sessionInfo{
		ID:       sess.ID(),
		OpenedAt: opened.UTC(),
		Uptime:   time.Since(opened).Round(time.Millisecond).String(),
	})
}

func (t *Transport) handleEvent(w http.ResponseWriter, r *http.Request) {
	var evt CallEvent
	if err := decodeBody(r.Body, &evt); err != nil {
		t.logger.Warn("call_event_invalid",
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.ReasonWebhookDecode)))
		http.Error(w, "invalid event body", http.StatusBadRequest)
		return
	}
	t.logger.Info("call_status",
		slog.String("to", redact.Phone(evt.To)),
		slog.String("status", evt.Status),
		slog.String("conversation_uuid", evt.ConversationUUID))
	writeJSON(w, http.StatusOK, []map[string]string{{"status": "ok"}})
}

func (t *Transport) handleRecording(w http.ResponseWriter, r *http.Request) {
	var evt RecordingEvent
	if err := decodeBody(r.Body, &evt); err != nil || strings.TrimSpace(evt.ConversationUUID) == "" {
		msg := "missing conversation_uuid"
		if err != nil {
			msg = err.Error()
		}
		t.logger.Warn("recording_event_invalid",
			slog.String("error", msg),
			slog.String("reason", string(errorsx.ReasonWebhookDecode)))
		http.Error(w, "invalid recording body", http.StatusBadRequest)
		return
	}
	t.logger.Info("recording_available",
		slog.String("conversation_uuid", evt.ConversationUUID),
		slog.String("recording_url", evt.RecordingURL))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (t *Transport) handleSocket(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket_upgrade_failed",
			slog.String("error", err.Error()),
			slog.String("reason", string(errorsx.ReasonTransportUpgrade)))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(t.cfg.MaxMessageBytes)

	hangup := func(code int, reason string) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	sess := relay.NewSession(t.sessions, hangup)
	sess.OnOpen()
	defer sess.OnClose()

	ctx := r.Context()
	meta := map[string]string{frames.MetaSource: "transport"}
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket_read_ended",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()))
			}
			return
		}
		var f frames.Frame
		switch mt {
		case websocket.BinaryMessage:
			f = frames.NewAudioFrame(sess.ID(), time.Now().UnixNano(), msg, meta)
		case websocket.TextMessage:
			f = frames.NewTextFrame(sess.ID(), time.Now().UnixNano(), string(msg), meta)
		default:
			continue
		}
		if err := sess.OnMessage(ctx, f); err != nil {
			return
		}
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func decodeBody(body io.Reader, v any) error {
	if body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
	_ transports.ErrorReporter = (*Transport)(nil)
)
