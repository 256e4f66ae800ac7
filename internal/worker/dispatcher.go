package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/roach88/darkfactory/internal/bus"
)

// DefaultMaxTurns bounds how many times a non-terminal result is advanced.
const DefaultMaxTurns = 8

// Dispatcher bridges the bus to a Backend. It listens on
// task.{run}.submitted and, for every assignment, drives the backend to a
// terminal result in its own goroutine, publishing task.{run}.working and
// then task.{run}.completed or task.{run}.failed.
type Dispatcher struct {
	bus      *bus.Bus
	backend  Backend
	limiter  *rate.Limiter
	maxTurns int

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRate limits backend starts to perSecond (burst 1). Zero or negative
// means unlimited.
func WithRate(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithMaxTurns overrides DefaultMaxTurns.
func WithMaxTurns(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxTurns = n
		}
	}
}

func NewDispatcher(b *bus.Bus, backend Backend, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:      b,
		backend:  backend,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		maxTurns: DefaultMaxTurns,
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Attach starts serving assignments for runID. Worker calls run under ctx;
// cancelling it aborts every in-flight task of the run. The returned
// function stops accepting new assignments.
func (d *Dispatcher) Attach(ctx context.Context, runID string) (detach func()) {
	return d.bus.Subscribe(bus.TaskTopic(runID, bus.TaskSubmitted), func(env bus.Envelope) {
		a, err := bus.Decode[Assignment](env)
		if err != nil {
			slog.Error("bad assignment payload", "run", runID, "error", err)
			return
		}
		taskCtx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.inflight[a.TaskID] = cancel
		d.mu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.finish(a.TaskID)
			d.execute(taskCtx, a)
		}()
	})
}

// Cancel aborts one in-flight task. It reports whether the task was found.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[taskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of tasks currently being executed.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Wait blocks until every started task has published its terminal event.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) finish(taskID string) {
	d.mu.Lock()
	cancel := d.inflight[taskID]
	delete(d.inflight, taskID)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Dispatcher) execute(ctx context.Context, a Assignment) {
	base := TaskResult{TaskID: a.TaskID, RunID: a.RunID, Movement: a.Movement, Attempt: a.Attempt}

	if err := d.limiter.Wait(ctx); err != nil {
		d.fail(base, fmt.Errorf("rate limit wait: %w", err))
		return
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	h, err := d.backend.Start(ctx, a)
	if err != nil {
		d.fail(base, fmt.Errorf("start worker: %w", err))
		return
	}
	base.AgentID, base.ThreadID = h.AgentID, h.ThreadID
	defer func() {
		// Dispose even after the task context expired.
		if err := d.backend.Dispose(context.WithoutCancel(ctx), h); err != nil {
			slog.Warn("dispose worker", "task", a.TaskID, "agent", h.AgentID, "error", err)
		}
	}()

	working := base
	working.Status = StatusWorking
	d.publish(bus.TaskWorking, bus.EventTaskWorking, working)

	res, err := d.drive(ctx, h, a)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("task timed out after %s: %w", a.Timeout, err)
		}
		d.fail(base, err)
		return
	}

	out := base
	out.Status = res.Status
	out.Artifacts = res.Artifacts
	out.TokensUsed = res.TokensUsed
	out.Cost = res.Cost
	out.EditEntropy = res.EditEntropy
	out.Beliefs = res.Beliefs
	out.Error = res.Error

	if res.Status == StatusCompleted {
		d.publish(bus.TaskCompleted, bus.EventTaskCompleted, out)
		return
	}
	if out.Error == "" {
		out.Error = fmt.Sprintf("worker ended in status %s", res.Status)
	}
	d.publish(bus.TaskFailed, bus.EventTaskFailed, out)
}

// drive advances the handle until the result is terminal or blocked.
// Usage is accumulated across turns.
func (d *Dispatcher) drive(ctx context.Context, h Handle, a Assignment) (Result, error) {
	in := Input{Prompt: BuildPrompt(a)}
	var total Result
	for turn := 0; turn < d.maxTurns; turn++ {
		res, err := d.backend.Advance(ctx, h, in)
		if err != nil {
			return Result{}, fmt.Errorf("advance worker: %w", err)
		}
		res.TokensUsed += total.TokensUsed
		res.Cost += total.Cost
		total = res
		if res.Status.Terminal() || res.Status.Blocked() {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		in = Input{}
	}
	total.Status = StatusFailed
	total.Error = fmt.Sprintf("no terminal status after %d turns", d.maxTurns)
	return total, nil
}

func (d *Dispatcher) fail(base TaskResult, err error) {
	base.Status = StatusFailed
	base.Error = err.Error()
	slog.Warn("task failed in worker", "task", base.TaskID, "movement", base.Movement, "error", err)
	d.publish(bus.TaskFailed, bus.EventTaskFailed, base)
}

func (d *Dispatcher) publish(status, eventType string, r TaskResult) {
	d.bus.Publish(
		bus.TaskTopic(r.RunID, status),
		bus.NewEnvelope(fmt.Sprintf("worker/%s", r.AgentID), eventType, r),
	)
}
