package mock

import (
	"context"
	"sync/atomic"

	"github.com/harunnryd/tonerelay/pkg/transports"
)

// Transport is an in-memory transport for lifecycle tests. It never listens.
type Transport struct {
	// StartErr is returned from Start when set.
	StartErr error

	starts atomic.Int32
	stops  atomic.Int32
}

func New() *Transport {
	return &Transport{}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	t.starts.Add(1)
	return t.StartErr
}

func (t *Transport) Stop(ctx context.Context) error {
	t.stops.Add(1)
	return nil
}

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"listen_addr": "memory"}
}

func (t *Transport) Started() int { return int(t.starts.Load()) }

func (t *Transport) Stopped() int { return int(t.stops.Load()) }

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
