package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/harunnryd/tonerelay/pkg/providers/mock"
)

func TestRegistryTracksOpenSessions(t *testing.T) {
	reg := NewRegistry()
	cfg := Config{NewTranscriber: mock.Factory(nil), Registry: reg}

	var sessions []*Session
	for i := 0; i < 5; i++ {
		s := NewSession(cfg, nil)
		s.OnOpen()
		sessions = append(sessions, s)
	}
	if reg.Len() != 5 {
		t.Fatalf("expected 5 sessions, got %d", reg.Len())
	}
	if got, ok := reg.Get(sessions[2].ID()); !ok || got != sessions[2] {
		t.Fatalf("Get did not return the registered session")
	}

	sessions[0].OnClose()
	sessions[0].OnClose()
	if reg.Len() != 4 {
		t.Fatalf("expected 4 sessions after close, got %d", reg.Len())
	}
	if reg.Remove(sessions[0].ID()) {
		t.Fatalf("closed session should already be removed")
	}

	list := reg.Sessions()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID() > list[i].ID() {
			t.Fatalf("sessions not sorted")
		}
	}
	for _, s := range sessions[1:] {
		s.OnClose()
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestRegistryConcurrentOpenClose(t *testing.T) {
	reg := NewRegistry()
	cfg := Config{NewTranscriber: mock.Factory(nil), Registry: reg}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewSession(cfg, nil)
			s.OnOpen()
			s.OnClose()
		}()
	}
	wg.Wait()
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestRegistryDrainClosesEverything(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var links []*mock.Transcriber
	cfg := Config{
		NewTranscriber: mock.Factory(func(m *mock.Transcriber) {
			mu.Lock()
			links = append(links, m)
			mu.Unlock()
		}),
		Registry: reg,
	}
	h := &hangups{}
	for i := 0; i < 3; i++ {
		s := NewSession(cfg, h.fn)
		s.OnOpen()
		_ = s.OnMessage(context.Background(), audioFrame("x"))
	}

	if err := reg.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry after drain, got %d", reg.Len())
	}
	for _, l := range links {
		if l.Stops() != 1 {
			t.Fatalf("expected each link stopped once")
		}
	}
	codes := h.get()
	if len(codes) != 3 {
		t.Fatalf("expected 3 hangups, got %v", codes)
	}
	for _, c := range codes {
		if c != CloseGoingAway {
			t.Fatalf("expected going-away close, got %d", c)
		}
	}
}
