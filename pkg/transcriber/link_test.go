package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/tonerelay/pkg/auth"
	"github.com/harunnryd/tonerelay/pkg/errorsx"
	"github.com/harunnryd/tonerelay/pkg/frames"
)

type wireMessage struct {
	kind int
	data []byte
}

// fakeRecognizer records every message it receives in arrival order.
type fakeRecognizer struct {
	srv *httptest.Server

	mu       sync.Mutex
	messages []wireMessage
	query    map[string]string
	dials    int

	// onStart, when set, is written back after the first text message.
	onStart []string
	// dropAfter closes the socket after this many messages (0 disables).
	dropAfter int
	finished  chan struct{}
}

func newFakeRecognizer(t *testing.T) *fakeRecognizer {
	t.Helper()
	f := &fakeRecognizer{finished: make(chan struct{}, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.dials++
		f.query = map[string]string{
			"access_token": r.URL.Query().Get("access_token"),
			"model":        r.URL.Query().Get("model"),
		}
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
			f.finished <- struct{}{}
		}()
		started := false
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.messages = append(f.messages, wireMessage{kind: mt, data: data})
			count := len(f.messages)
			f.mu.Unlock()
			if mt == websocket.TextMessage && !started {
				started = true
				for _, reply := range f.onStart {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
				}
			}
			if f.dropAfter > 0 && count >= f.dropAfter {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRecognizer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRecognizer) snapshot() []wireMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireMessage(nil), f.messages...)
}

func (f *fakeRecognizer) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-f.finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("recognizer connection did not finish")
	}
}

type countingTokens struct {
	calls atomic.Int32
	err   error
}

func (c *countingTokens) FetchToken(ctx context.Context) (auth.Token, error) {
	c.calls.Add(1)
	if c.err != nil {
		return auth.Token{}, c.err
	}
	return auth.Token{AccessToken: "tok-123"}, nil
}

func audio(b string) frames.AudioFrame {
	return frames.NewAudioFrame("s1", 0, []byte(b), nil)
}

func control(t *testing.T, raw string) frames.ControlFrame {
	t.Helper()
	var opts map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		t.Fatalf("bad control fixture: %v", err)
	}
	return frames.NewControlFrame("s1", 0, frames.ControlStart, opts, nil)
}

func TestLinkConnectsLazilyOnce(t *testing.T) {
	rec := newFakeRecognizer(t)
	tokens := &countingTokens{}
	link := New(Config{URL: rec.url(), Tokens: tokens, SessionID: "s1"})

	if link.Connects() != 0 || link.State() != StateUninitialized {
		t.Fatalf("link must not connect before first send")
	}
	for i := 0; i < 3; i++ {
		if err := link.Send(context.Background(), audio("chunk")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if link.Connects() != 1 {
		t.Fatalf("expected one dial, got %d", link.Connects())
	}
	if tokens.calls.Load() != 1 {
		t.Fatalf("expected one token fetch, got %d", tokens.calls.Load())
	}
	if link.State() != StateOpen {
		t.Fatalf("expected open, got %s", link.State())
	}
	if err := link.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec.waitFinished(t)

	if rec.query["access_token"] != "tok-123" || rec.query["model"] != DefaultModel {
		t.Fatalf("unexpected dial query %+v", rec.query)
	}
}

func TestLinkForwardsInOrderAndForcesStartFields(t *testing.T) {
	rec := newFakeRecognizer(t)
	link := New(Config{URL: rec.url(), Tokens: &countingTokens{}})
	ctx := context.Background()

	ctrl := control(t, `{"action":"stop","continuous":false,"interim_results":false,"content-type":"audio/l16;rate=16000","word_confidence":true}`)
	sends := []frames.Frame{audio("a"), ctrl, audio("b"), audio("c")}
	for _, f := range sends {
		if err := link.Send(ctx, f); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := link.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec.waitFinished(t)

	got := rec.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected 5 messages (4 frames + stop), got %d", len(got))
	}
	if got[0].kind != websocket.BinaryMessage || string(got[0].data) != "a" {
		t.Fatalf("unexpected first message %+v", got[0])
	}
	var start map[string]any
	if err := json.Unmarshal(got[1].data, &start); err != nil || got[1].kind != websocket.TextMessage {
		t.Fatalf("expected json text message, got %q (%v)", got[1].data, err)
	}
	if start["action"] != "start" || start["continuous"] != true || start["interim_results"] != true {
		t.Fatalf("start fields not forced: %+v", start)
	}
	if start["content-type"] != "audio/l16;rate=16000" || start["word_confidence"] != true {
		t.Fatalf("passthrough fields lost: %+v", start)
	}
	if string(got[2].data) != "b" || string(got[3].data) != "c" {
		t.Fatalf("audio order broken: %q %q", got[2].data, got[3].data)
	}
	if got[4].kind != websocket.TextMessage || string(got[4].data) != `{"action":"stop"}` {
		t.Fatalf("expected stop message last, got %q", got[4].data)
	}
}

func TestLinkCloseIsIdempotent(t *testing.T) {
	rec := newFakeRecognizer(t)
	link := New(Config{URL: rec.url(), Tokens: &countingTokens{}})
	if err := link.Send(context.Background(), audio("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := link.Close(context.Background()); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	rec.waitFinished(t)

	stops := 0
	for _, m := range rec.snapshot() {
		if string(m.data) == `{"action":"stop"}` {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("expected exactly one stop message, got %d", stops)
	}
	if link.State() != StateClosed {
		t.Fatalf("expected closed, got %s", link.State())
	}
	if err := link.Send(context.Background(), audio("late")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed after close, got %v", err)
	}
}

// newSilentRecognizer accepts the socket and never reads from it, so the
// sender's buffers eventually fill up.
func newSilentRecognizer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// floodAudio sends 1 MiB frames until Send fails and returns the error on
// the channel. sent counts completed sends.
func floodAudio(link *Link, sent *atomic.Int64) <-chan error {
	done := make(chan error, 1)
	chunk := frames.NewAudioFrame("s1", 0, make([]byte, 1<<20), nil)
	go func() {
		for {
			if err := link.Send(context.Background(), chunk); err != nil {
				done <- err
				return
			}
			sent.Add(1)
		}
	}()
	return done
}

func waitStalled(t *testing.T, sent *atomic.Int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := sent.Load()
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		now := sent.Load()
		if now > 0 && now == last {
			return
		}
		last = now
	}
	t.Fatalf("sender never stalled after %d frames", sent.Load())
}

func TestLinkCloseIsBoundedWhenRecognizerStopsReading(t *testing.T) {
	link := New(Config{
		URL:          newSilentRecognizer(t),
		Tokens:       &countingTokens{},
		CloseTimeout: 300 * time.Millisecond,
		WriteTimeout: time.Minute,
	})
	var sent atomic.Int64
	sendErr := floodAudio(link, &sent)
	waitStalled(t, &sent)

	closed := make(chan struct{})
	go func() {
		_ = link.Close(context.Background())
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("close still blocked after 3s, state=%s", link.State())
	}
	if link.State() != StateClosed {
		t.Fatalf("expected closed, got %s", link.State())
	}
	select {
	case err := <-sendErr:
		if !errors.Is(err, ErrLinkClosed) {
			t.Fatalf("expected blocked send to end with ErrLinkClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked send was not released by close")
	}
}

func TestLinkWriteTimeoutFailsStalledSend(t *testing.T) {
	link := New(Config{
		URL:          newSilentRecognizer(t),
		Tokens:       &countingTokens{},
		CloseTimeout: 300 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	})
	var sent atomic.Int64
	select {
	case err := <-floodAudio(link, &sent):
		if !errorsx.HasReason(err, errorsx.ReasonSTTSend) {
			t.Fatalf("expected stt_send error, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("send to a stalled recognizer never timed out")
	}

	start := time.Now()
	_ = link.Close(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("close took %s", elapsed)
	}
}

func TestLinkCloseWithoutOpenDoesNotDial(t *testing.T) {
	rec := newFakeRecognizer(t)
	tokens := &countingTokens{}
	link := New(Config{URL: rec.url(), Tokens: tokens})

	if err := link.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if link.State() != StateClosed || link.Connects() != 0 || tokens.calls.Load() != 0 {
		t.Fatalf("close of unopened link must be a no-op")
	}
	if err := link.Send(context.Background(), audio("x")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dials != 0 {
		t.Fatalf("expected no dial, got %d", rec.dials)
	}
}

func TestLinkDeliversTranscripts(t *testing.T) {
	rec := newFakeRecognizer(t)
	rec.onStart = []string{
		`not json`,
		`{"state":"listening"}`,
		`{"error":"boom"}`,
		`{"result_index":0,"results":[{"final":false,"alternatives":[{"transcript":"hello"}]}]}`,
		`{"result_index":0,"results":[{"final":true,"alternatives":[{"transcript":"hello world","confidence":0.9},{"transcript":"yellow world"}]}]}`,
		`{"result_index":1,"results":[]}`,
	}
	got := make(chan frames.TextFrame, 8)
	link := New(Config{
		URL:          rec.url(),
		Tokens:       &countingTokens{},
		SessionID:    "s1",
		OnTranscript: func(f frames.TextFrame) { got <- f },
	})
	if err := link.Send(context.Background(), control(t, `{"content-type":"audio/l16;rate=16000"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := []struct {
		text  string
		final bool
	}{{"hello", false}, {"hello world", true}}
	for _, w := range want {
		select {
		case f := <-got:
			if f.Text() != w.text || f.IsFinal() != w.final {
				t.Fatalf("unexpected transcript %q final=%v", f.Text(), f.IsFinal())
			}
			if f.Meta()[frames.MetaSessionID] != "s1" {
				t.Fatalf("missing session id in meta")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w.text)
		}
	}
	_ = link.Close(context.Background())
	select {
	case f := <-got:
		t.Fatalf("unexpected extra transcript %q", f.Text())
	default:
	}
}

func TestLinkAuthFailureIsFatal(t *testing.T) {
	rec := newFakeRecognizer(t)
	link := New(Config{URL: rec.url(), Tokens: &countingTokens{err: errors.New("denied")}})

	err := link.Send(context.Background(), audio("x"))
	if !errorsx.HasReason(err, errorsx.ReasonAuth) {
		t.Fatalf("expected auth reason, got %v", err)
	}
	if link.State() != StateFailed || link.Connects() != 0 {
		t.Fatalf("expected failed without dial, state=%s dials=%d", link.State(), link.Connects())
	}
	if err2 := link.Send(context.Background(), audio("y")); !errorsx.HasReason(err2, errorsx.ReasonAuth) {
		t.Fatalf("failed link should keep reporting the connect error, got %v", err2)
	}
	if err := link.Close(context.Background()); err != nil || link.State() != StateClosed {
		t.Fatalf("close of failed link: %v state=%s", err, link.State())
	}
}

func TestLinkDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	link := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Tokens: &countingTokens{}})
	err := link.Send(context.Background(), audio("x"))
	if !errorsx.HasReason(err, errorsx.ReasonSTTConnect) {
		t.Fatalf("expected connect reason, got %v", err)
	}
	if link.State() != StateFailed {
		t.Fatalf("expected failed, got %s", link.State())
	}
}

func TestLinkRemoteDropFiresFailureOnce(t *testing.T) {
	rec := newFakeRecognizer(t)
	rec.dropAfter = 1
	failures := make(chan error, 4)
	link := New(Config{
		URL:       rec.url(),
		Tokens:    &countingTokens{},
		OnFailure: func(err error) { failures <- err },
	})
	if err := link.Send(context.Background(), audio("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-failures:
		if !errorsx.HasReason(err, errorsx.ReasonSTTRemote) {
			t.Fatalf("expected remote reason, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("failure callback not invoked")
	}
	if link.State() != StateFailed {
		t.Fatalf("expected failed, got %s", link.State())
	}
	if err := link.Send(context.Background(), audio("y")); !errorsx.HasReason(err, errorsx.ReasonSTTRemote) {
		t.Fatalf("expected remote error on send, got %v", err)
	}
	if err := link.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("failure callback fired more than once")
	}
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("no stop frame expected after remote drop, recognizer saw %d messages", n)
	}
}

func TestMergeStart(t *testing.T) {
	out, err := MergeStart(map[string]json.RawMessage{
		"action":          json.RawMessage(`"recognize"`),
		"interim_results": json.RawMessage(`false`),
		"keywords":        json.RawMessage(`["a", "b"]`),
	})
	if err != nil {
		t.Fatalf("MergeStart: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output not json: %v", err)
	}
	if string(got["action"]) != `"start"` || string(got["continuous"]) != "true" || string(got["interim_results"]) != "true" {
		t.Fatalf("forced fields wrong: %s", out)
	}
	if string(got["keywords"]) != `["a","b"]` {
		t.Fatalf("passthrough field changed: %s", got["keywords"])
	}

	empty, err := MergeStart(nil)
	if err != nil || string(empty) != `{"action":"start","continuous":true,"interim_results":true}` {
		t.Fatalf("unexpected empty merge %s (%v)", empty, err)
	}
}
