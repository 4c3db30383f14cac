package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/tonerelay/pkg/logging"
	"github.com/harunnryd/tonerelay/pkg/transports"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner starts the transport, waits for cancellation, then stops
// new calls and drains open ones within timeout.
type LifecycleRunner struct {
	state     int32
	ctx       context.Context
	cancel    context.CancelFunc
	onceStop  sync.Once
	hooks     Hooks
	transport transports.Transport
	drainer   Drainer
	stopErr   error
	timeout   time.Duration
	logger    *slog.Logger
}

func NewLifecycleRunner(transport transports.Transport, drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:     int32(StateNew),
		ctx:       ctx,
		cancel:    cancel,
		hooks:     hooks,
		transport: transport,
		drainer:   drainer,
		timeout:   timeout,
		logger:    logging.NewComponentLogger(slog.Default(), "runner"),
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	PrintBanner()
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.transport != nil {
		if err := r.transport.Start(r.ctx); err != nil {
			r.setState(StateStopped)
			return err
		}
		attrs := []any{slog.String("transport", r.transport.Name())}
		if rr, ok := r.transport.(transports.ReadyReporter); ok {
			for k, v := range rr.ReadyFields() {
				attrs = append(attrs, slog.Any(k, v))
			}
		}
		r.logger.Info("runner_ready", attrs...)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		var errs []error
		if r.transport != nil {
			if err := r.transport.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain(ctx) }()
			select {
			case err := <-done:
				if err != nil {
					errs = append(errs, err)
				}
			case <-ctx.Done():
				errs = append(errs, ErrDrainTimeout)
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.stopErr = errors.Join(errs...)
		r.setState(StateStopped)
		r.logger.Info("runner_stopped")
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
