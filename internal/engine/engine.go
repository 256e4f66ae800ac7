package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/darkfactory/internal/algedonic"
	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/complexity"
	"github.com/roach88/darkfactory/internal/gate"
	"github.com/roach88/darkfactory/internal/index"
	"github.com/roach88/darkfactory/internal/ledger"
	"github.com/roach88/darkfactory/internal/memory"
	"github.com/roach88/darkfactory/internal/worker"
	"github.com/roach88/darkfactory/internal/workflow"
	"github.com/roach88/darkfactory/internal/workspace"
)

// FailureAction is what a run does when a movement runs out of attempts.
type FailureAction string

const (
	// FailAbort stops dispatch and fails the run.
	FailAbort FailureAction = "abort"
	// FailSkip skips the movement and everything downstream of it while
	// independent branches continue. The run still ends failed.
	FailSkip FailureAction = "skip"
)

// ParseFailureAction validates a failure action setting. Empty means abort.
func ParseFailureAction(s string) (FailureAction, error) {
	switch FailureAction(s) {
	case "", FailAbort:
		return FailAbort, nil
	case FailSkip:
		return FailSkip, nil
	}
	return "", fmt.Errorf("unknown failure action %q (want abort or skip)", s)
}

// Settings are the per-engine run parameters.
type Settings struct {
	// Depth is auto, single, two-tier or full.
	Depth   string
	Metrics complexity.Metrics
	// Parallelism is the worker cap before the depth limit is applied.
	Parallelism   int
	FailureAction FailureAction
	Retry         RetryDefaults

	CostLimit  float64
	TokenLimit int64

	// EntropyThreshold is the edit entropy above which a task result
	// raises an entropy alert. Zero disables the check.
	EntropyThreshold float64
	// MaxEntropyAlerts is how many alerts a run tolerates before an
	// entropy-spike signal.
	MaxEntropyAlerts int
	// ScoreCollapse is the L2 median below which a score-collapse signal
	// is raised.
	ScoreCollapse float64

	PauseTimeout time.Duration
	DrainTimeout time.Duration

	SourceRepo string
	// Spec is the task specification text shared with every worker as
	// project context.
	Spec   string
	Memory memory.Mode
	// ToM enables belief tracking and conflict context.
	ToM bool
}

// DefaultSettings match the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Depth:         complexity.Auto,
		Parallelism:   4,
		FailureAction: FailAbort,
		Retry: RetryDefaults{
			MaxAttempts: workflow.DefaultMaxAttempts,
			Backoff:     workflow.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
		EntropyThreshold: 0.7,
		MaxEntropyAlerts: 3,
		ScoreCollapse:    0.2,
		PauseTimeout:     10 * time.Minute,
		DrainTimeout:     2 * time.Minute,
		Memory:           memory.ModeNone,
	}
}

// EntropyAlert is the payload of entropy.{runId}.alert.
type EntropyAlert struct {
	RunID     string  `json:"runId"`
	TaskID    string  `json:"taskId,omitempty"`
	Movement  string  `json:"movement,omitempty"`
	Entropy   float64 `json:"entropy"`
	Threshold float64 `json:"threshold"`
}

// Result summarizes a finished run.
type Result struct {
	RunID       string           `json:"runId"`
	Status      ledger.RunStatus `json:"status"`
	Depth       complexity.Depth `json:"depth"`
	Parallelism int              `json:"parallelism"`
	Completed   []string         `json:"completed"`
	Failed      []string         `json:"failed"`
	Skipped     []string         `json:"skipped"`
	Abandoned   []string         `json:"abandoned"`
	Tokens      int64            `json:"tokens"`
	Cost        float64          `json:"cost"`
}

// Engine runs workflows. One Engine may run several workflows, each on its
// own call to Run; all runs share the ledger, bus and worker backend.
//
// Thread-safety model:
//   - Run(): one call per run; blocks until the run is terminal
//   - Pause(), Resume(): safe from any goroutine
type Engine struct {
	ledger     *ledger.Ledger
	bus        *bus.Bus
	dispatcher *worker.Dispatcher
	settings   Settings

	gateOpts   []gate.Option
	workspaces workspace.Provider
	index      index.SemanticIndex
	memory     memory.ProjectStore
	converger  memory.Converger
	handler    algedonic.Handler
	clock      Clock
	ids        func() string
	dispOpts   []worker.DispatcherOption

	mu     sync.Mutex
	active map[string]*eventQueue
}

// Option configures an Engine.
type Option func(*Engine)

func WithSettings(s Settings) Option { return func(e *Engine) { e.settings = s } }

// WithGates configures the validation pipeline built for each run. The
// engine adds its own ledger sink.
func WithGates(opts ...gate.Option) Option {
	return func(e *Engine) { e.gateOpts = append(e.gateOpts, opts...) }
}

// WithWorkspaces gives every task an isolated checkout of
// Settings.SourceRepo. Without it workers share the caller's tree and no
// diff is captured.
func WithWorkspaces(p workspace.Provider) Option { return func(e *Engine) { e.workspaces = p } }

func WithIndex(idx index.SemanticIndex) Option { return func(e *Engine) { e.index = idx } }

// WithMemory sets the project memory used when Settings.Memory is project.
func WithMemory(store memory.ProjectStore) Option { return func(e *Engine) { e.memory = store } }

// WithConverger sets the collaborator called on entropy alerts and at run
// end.
func WithConverger(c memory.Converger) Option { return func(e *Engine) { e.converger = c } }

// WithHandler replaces algedonic.DefaultHandler.
func WithHandler(h algedonic.Handler) Option { return func(e *Engine) { e.handler = h } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithIDs overrides the run and task id generator.
func WithIDs(ids func() string) Option { return func(e *Engine) { e.ids = ids } }

// WithDispatcherOptions tunes the worker dispatcher, e.g. its start rate.
func WithDispatcherOptions(opts ...worker.DispatcherOption) Option {
	return func(e *Engine) { e.dispOpts = append(e.dispOpts, opts...) }
}

// New creates an Engine that records to l, coordinates over b and hands
// assignments to backend.
func New(l *ledger.Ledger, b *bus.Bus, backend worker.Backend, opts ...Option) *Engine {
	e := &Engine{
		ledger:   l,
		bus:      b,
		settings: DefaultSettings(),
		handler:  algedonic.DefaultHandler{},
		clock:    SystemClock{},
		ids:      newID,
		active:   make(map[string]*eventQueue),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = worker.NewDispatcher(b, backend, e.dispOpts...)
	return e
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Pause asks a running run to stop dispatching. It reports whether the run
// is active in this engine.
func (e *Engine) Pause(runID, reason string) bool {
	return e.enqueue(runID, event{kind: eventPause, reason: reason})
}

// Resume continues a paused run.
func (e *Engine) Resume(runID string) bool {
	return e.enqueue(runID, event{kind: eventResume})
}

func (e *Engine) enqueue(runID string, ev event) bool {
	e.mu.Lock()
	q, ok := e.active[runID]
	e.mu.Unlock()
	return ok && q.Enqueue(ev)
}

func (e *Engine) register(runID string, q *eventQueue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runID] = q
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}
