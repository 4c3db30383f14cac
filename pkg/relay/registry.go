package relay

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry tracks open sessions. It is the only state shared across calls.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Remove reports whether the id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get looks up an open session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot sorted by id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Drain hangs up and closes every open session in parallel.
func (r *Registry) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var g errgroup.Group
	for _, s := range r.Sessions() {
		g.Go(func() error {
			s.hangup(CloseGoingAway, "server shutting down")
			s.shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}
