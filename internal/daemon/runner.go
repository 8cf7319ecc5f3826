package daemon

import (
	"context"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

// Passer runs sync passes.
type Passer interface {
	PerformInitialSync(ctx context.Context, progress intsync.ProgressFunc) error
	CatchUp(ctx context.Context, progress intsync.ProgressFunc) error
}

// Runner schedules sync passes one at a time and drives the daemon state
// from their outcome: SYNCING while a pass runs, then READY or DEGRADED.
type Runner struct {
	passer  Passer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	pending bool
	initial bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner. Nothing happens until Start.
func NewRunner(p Passer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{passer: p, machine: machine, bus: b, logger: logger, initial: true}
}

// Start enables passes and launches the initial one.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	r.Trigger()
}

// Trigger launches a pass in the background. It returns false when the
// runner is stopped, the daemon is in ERROR, or a pass is already running;
// in the last case one more pass follows the running one.
func (r *Runner) Trigger() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.ctx.Err() != nil {
		return false
	}
	if r.running {
		r.pending = true
		return false
	}
	if r.machine.Is(status.Error) {
		return false
	}
	if err := r.machine.Transition(status.Syncing); err != nil {
		r.logger.Warn("cannot start sync pass", zap.Error(err))
		return false
	}
	r.running = true
	r.wg.Add(1)
	go r.loop(r.ctx)
	return true
}

// Stop cancels a running pass and waits for it to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		initial := r.initial
		r.pending = false
		r.mu.Unlock()

		err := r.pass(ctx, initial)

		r.mu.Lock()
		if err == nil {
			r.initial = false
		}
		if ctx.Err() != nil || !r.pending {
			r.running = false
			if ctx.Err() == nil {
				r.settle(err)
			}
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

func (r *Runner) pass(ctx context.Context, initial bool) error {
	if initial {
		return r.passer.PerformInitialSync(ctx, r.progress)
	}
	return r.passer.CatchUp(ctx, r.progress)
}

func (r *Runner) settle(err error) {
	next := status.Ready
	if err != nil {
		r.logger.Error("sync pass failed, serving cached data", zap.Error(err))
		next = status.Degraded
	}
	if terr := r.machine.Transition(next); terr != nil {
		r.logger.Warn("state transition after sync pass", zap.Error(terr))
	}
}

func (r *Runner) progress(p intsync.Progress) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{
		Kind: bus.KindSyncProgress,
		Payload: bus.SyncProgress{
			Phase:   string(p.Phase),
			Status:  p.Status,
			Current: p.Current,
			Total:   p.Total,
		},
	})
}

// StreamDisconnected moves a settled daemon to RECONNECTING. A running pass
// decides the state itself when it ends.
func (r *Runner) StreamDisconnected(err error) {
	if !r.machine.Is(status.Ready, status.Degraded) {
		return
	}
	r.logger.Warn("live stream lost", zap.Error(err))
	if terr := r.machine.Transition(status.Reconnecting); terr != nil {
		r.logger.Warn("state transition on disconnect", zap.Error(terr))
	}
}

// StreamConnected catches up on what was missed while disconnected.
func (r *Runner) StreamConnected(reconnect bool) {
	if !reconnect {
		return
	}
	r.logger.Info("live stream reconnected, catching up")
	r.Trigger()
}

// StreamFailed records a stream that gave up for good.
func (r *Runner) StreamFailed(err error) {
	r.logger.Error("live stream stopped", zap.Error(err))
	if terr := r.machine.Transition(status.Error); terr != nil {
		r.logger.Warn("state transition on stream failure", zap.Error(terr))
	}
}
