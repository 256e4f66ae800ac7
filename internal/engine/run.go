package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/darkfactory/internal/algedonic"
	"github.com/roach88/darkfactory/internal/belief"
	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/canon"
	"github.com/roach88/darkfactory/internal/complexity"
	"github.com/roach88/darkfactory/internal/contextstore"
	"github.com/roach88/darkfactory/internal/gate"
	"github.com/roach88/darkfactory/internal/ledger"
	"github.com/roach88/darkfactory/internal/memory"
	"github.com/roach88/darkfactory/internal/worker"
	"github.com/roach88/darkfactory/internal/workflow"
	"github.com/roach88/darkfactory/internal/workspace"
)

// attempt is one dispatched task that has not settled yet.
type attempt struct {
	taskID   string
	movement string
	number   int
	status   ledger.TaskStatus
	agentID  string
	ws       *workspace.Handle
	// cancelGate is set while the gate pipeline validates the attempt.
	cancelGate context.CancelFunc
}

// run is the state of one workflow run. Every field is owned by the run
// loop goroutine.
type run struct {
	e     *Engine
	id    string
	plan  *workflow.Plan
	queue *eventQueue
	store *contextstore.Store
	gates *gate.Pipeline
	quota *QuotaEnforcer
	// tracker is nil unless ToM is enabled.
	tracker *belief.Tracker

	depth complexity.Depth
	limit int

	// base is the caller's context without its cancellation. Ledger writes
	// always use it. wctx carries collaborator calls and switches to a
	// drain-bounded context once the run stops.
	base       context.Context
	wctx       context.Context
	cancelWork context.CancelFunc

	inflight map[string]*attempt
	order    []string
	// active holds movements that are in flight, waiting on a backoff
	// timer or queued for re-dispatch.
	active   map[string]bool
	retryQ   []string
	timers   map[string]func() bool
	attempts map[string]int
	feedback map[string]string
	done     map[string]bool
	failed   map[string]bool
	skipped  map[string]bool

	paused    bool
	pauseGen  int
	stopPause func() bool
	stopping  bool
	stopErr   *RuntimeError
	stopDrain func() bool
	// err is the first ledger failure. It wins over stopErr.
	err error

	memoryRefs []string
	beliefs    string
	outputs    []string
	errs       []string
	abandoned  []string
}

// Run executes plan to completion and returns its summary. An empty runID
// is generated. The error is a *RuntimeError whenever the run ends failed;
// the Result is populated either way.
func (e *Engine) Run(ctx context.Context, plan *workflow.Plan, runID string) (Result, error) {
	if plan == nil {
		return Result{}, errors.New("run workflow: nil plan")
	}
	if runID == "" {
		runID = e.ids()
	}
	res := Result{RunID: runID, Status: ledger.RunFailed}

	depth, err := complexity.Resolve(e.settings.Depth, e.settings.Metrics)
	if err != nil {
		return res, fmt.Errorf("run workflow: %w", err)
	}
	if _, err := e.ledger.CreateRun(ctx, runID, plan.Source); err != nil {
		return res, ledgerError(runID, "", err)
	}

	r := e.newRun(ctx, runID, plan, depth)
	e.register(runID, r.queue)
	defer e.unregister(runID)

	// The algedonic channel is wired before anything else subscribes to
	// the run, so signals are served first.
	unsubs := []func(){
		algedonic.Wire(e.bus, runID, e.handler, func(sig algedonic.Signal, act algedonic.Action) {
			r.queue.Enqueue(event{kind: eventSignal, signal: sig, action: act})
		}),
	}
	for _, status := range []string{bus.TaskWorking, bus.TaskCompleted, bus.TaskFailed} {
		unsubs = append(unsubs, e.bus.Subscribe(bus.TaskTopic(runID, status), func(env bus.Envelope) {
			tr, err := bus.Decode[worker.TaskResult](env)
			if err != nil {
				slog.Error("bad task result payload", "run", runID, "error", err)
				return
			}
			r.queue.Enqueue(event{kind: eventTaskResult, status: status, result: tr})
		}))
	}
	unsubs = append(unsubs, e.bus.Subscribe(bus.EntropyTopic(runID), func(env bus.Envelope) {
		alert, err := bus.Decode[EntropyAlert](env)
		if err != nil {
			slog.Error("bad entropy alert payload", "run", runID, "error", err)
			return
		}
		r.queue.Enqueue(event{kind: eventEntropy, entropy: alert})
	}))
	defer func() {
		for _, u := range unsubs {
			u()
		}
		r.queue.Close()
	}()

	workerCtx, cancelWorkers := context.WithCancel(r.base)
	detach := e.dispatcher.Attach(workerCtx, runID)

	if err := r.start(); err != nil {
		r.fatal(err)
	} else {
		r.loop(ctx)
	}
	detach()
	cancelWorkers()

	return r.finish()
}

func (e *Engine) newRun(ctx context.Context, runID string, plan *workflow.Plan, depth complexity.Depth) *run {
	opts := []contextstore.Option{contextstore.WithSummaries(e.ledger)}
	if e.index != nil {
		opts = append(opts, contextstore.WithIndex(e.index))
	}
	r := &run{
		e:        e,
		id:       runID,
		plan:     plan,
		queue:    newEventQueue(),
		store:    contextstore.New(runID, e.bus, opts...),
		quota:    NewQuotaEnforcer(e.settings.CostLimit, e.settings.TokenLimit),
		depth:    depth,
		limit:    complexity.Parallelism(depth, e.settings.Parallelism),
		base:     context.WithoutCancel(ctx),
		wctx:     ctx,
		inflight: make(map[string]*attempt),
		active:   make(map[string]bool),
		timers:   make(map[string]func() bool),
		attempts: make(map[string]int),
		feedback: make(map[string]string),
		done:     make(map[string]bool),
		failed:   make(map[string]bool),
		skipped:  make(map[string]bool),
	}
	if e.settings.ToM {
		r.tracker = belief.NewTracker()
	}
	gateOpts := append([]gate.Option{}, e.gateOpts...)
	gateOpts = append(gateOpts, gate.WithSink(r.recordReport))
	r.gates = gate.New(e.bus, gateOpts...)
	return r
}

// start records depth selection, moves the run to running and briefs it
// from project memory.
func (r *run) start() error {
	piece := r.plan.Piece
	if err := r.record("", bus.EventDepthSelected, map[string]any{
		"setting":     r.e.settings.Depth,
		"depth":       r.depth,
		"metrics":     r.e.settings.Metrics,
		"effective":   r.e.settings.Metrics.Effective(),
		"parallelism": r.limit,
	}); err != nil {
		return err
	}
	if err := r.setRunStatus(ledger.RunRunning); err != nil {
		return err
	}
	if err := r.record("", bus.EventRunStarted, map[string]any{
		"workflow":  piece.Name,
		"version":   piece.Version,
		"movements": r.plan.Order,
	}); err != nil {
		return err
	}
	slog.Info("run started", "run", r.id, "workflow", piece.Name, "depth", r.depth, "parallelism", r.limit)

	r.store.SetProjectInfo("workflow", piece.Name)
	r.store.SetProjectInfo("goal", piece.Goal)
	r.store.SetProjectInfo("depth", string(r.depth))
	if r.e.settings.Spec != "" {
		r.store.SetProjectInfo("spec", r.e.settings.Spec)
	}
	for _, p := range piece.Personas {
		for _, o := range p.Obligations {
			r.store.AddConvention(p.Name + ": " + o)
		}
	}

	if !r.e.settings.Memory.Persistent() || r.e.memory == nil {
		return nil
	}
	notes, err := memory.Brief(r.wctx, r.e.memory, piece.Goal, memory.DefaultBriefResults)
	if err != nil {
		slog.Warn("memory brief failed", "run", r.id, "error", err)
		return nil
	}
	r.store.SeedMemories(notes)
	for _, n := range notes {
		r.memoryRefs = append(r.memoryRefs, n.ID)
	}
	return r.record("", bus.EventMemoryBriefed, map[string]any{"notes": len(notes), "noteIds": r.memoryRefs})
}

func (r *run) loop(ctx context.Context) {
	cancelled := ctx.Done()
	for {
		if cancelled != nil && ctx.Err() != nil {
			cancelled = nil
			r.stop(&RuntimeError{Code: ErrCodeRunShutdown, Message: "run context canceled", RunID: r.id, Err: ctx.Err()})
		}
		r.dispatch()
		if r.finished() {
			return
		}
		select {
		case <-cancelled:
		case <-r.queue.Wait():
			for {
				ev, ok := r.queue.TryDequeue()
				if !ok {
					break
				}
				if err := r.handle(ev); err != nil {
					r.fatal(err)
				}
			}
		}
	}
}

// finished reports whether the loop has nothing left to wait for.
func (r *run) finished() bool {
	if len(r.inflight) > 0 {
		return false
	}
	if r.stopping {
		return true
	}
	if r.paused {
		return false
	}
	return len(r.timers) == 0 && len(r.retryQ) == 0 && len(r.plan.Ready(r.done, r.excluded())) == 0
}

func (r *run) handle(ev event) error {
	switch ev.kind {
	case eventTaskResult:
		return r.onResult(ev.status, ev.result)
	case eventGateDone:
		return r.onValidated(ev.result, ev.diff, ev.outcome, ev.err)
	case eventRetry:
		delete(r.timers, ev.movement)
		if !r.stopping {
			r.retryQ = append(r.retryQ, ev.movement)
		}
	case eventSignal:
		return r.onSignal(ev.signal, ev.action)
	case eventEntropy:
		return r.onEntropy(ev.entropy)
	case eventPause:
		return r.pause(ev.reason)
	case eventResume:
		return r.resume()
	case eventPauseTimeout:
		if r.paused && ev.generation == r.pauseGen {
			r.stop(&RuntimeError{Code: ErrCodeRunShutdown, Message: "pause timed out", RunID: r.id})
		}
	case eventDrainTimeout:
		return r.abandon()
	}
	return nil
}

// fatal stops the run after a ledger failure.
func (r *run) fatal(err error) {
	if r.err == nil {
		r.err = err
	}
	slog.Error("run failed", "run", r.id, "error", err)
	var re *RuntimeError
	if !errors.As(err, &re) {
		re = &RuntimeError{Code: ErrCodeLedgerWrite, Message: "run failed", RunID: r.id, Err: err}
	}
	r.stop(re)
}

// --- dispatch ---

func (r *run) excluded() map[string]bool {
	ex := make(map[string]bool, len(r.active)+len(r.failed)+len(r.skipped))
	for _, set := range []map[string]bool{r.active, r.failed, r.skipped} {
		for m := range set {
			ex[m] = true
		}
	}
	return ex
}

func (r *run) dispatch() {
	for !r.paused && !r.stopping && len(r.inflight) < r.limit {
		var m string
		if len(r.retryQ) > 0 {
			m, r.retryQ = r.retryQ[0], r.retryQ[1:]
		} else {
			ready := r.plan.Ready(r.done, r.excluded())
			if len(ready) == 0 {
				return
			}
			m = ready[0]
		}
		if err := r.dispatchMovement(m); err != nil {
			r.fatal(err)
			return
		}
	}
}

func (r *run) dispatchMovement(name string) error {
	mv, _ := r.plan.Movement(name)
	persona, _ := r.plan.Persona(mv.AssignedTo)
	n := r.attempts[name] + 1
	r.attempts[name] = n
	r.active[name] = true

	strategy := mv.ContextStrategy
	if strategy == "" {
		strategy = workflow.ContextSummary
	}
	r.store.SetObjective(name, mv.Goal, mv.Inputs)
	resolved, err := r.store.Resolve(r.wctx, strategy, name, mv.Inputs)
	if err != nil {
		slog.Warn("context resolution failed", "run", r.id, "movement", name, "error", err)
		resolved = contextstore.Resolved{Strategy: strategy}
	}

	a := worker.Assignment{
		TaskID:          r.e.ids(),
		RunID:           r.id,
		Movement:        name,
		Goal:            mv.Goal,
		Persona:         persona,
		ModelConfig:     mv.ModelConfig,
		Inputs:          mv.Inputs,
		Outputs:         mv.Outputs,
		ContextStrategy: strategy,
		Context:         resolved.Content,
		Attempt:         n,
		Feedback:        r.feedback[name],
		BeliefContext:   r.beliefs,
		Timeout:         mv.Timeout,
	}
	inputHash, err := canon.Hash(canon.DomainTaskInput, map[string]any{
		"movement": name,
		"goal":     mv.Goal,
		"persona":  persona.Name,
		"context":  a.Context,
		"feedback": a.Feedback,
		"attempt":  n,
	})
	if err != nil {
		return fmt.Errorf("hash task input: %w", err)
	}
	if _, err := r.e.ledger.CreateTask(r.base, ledger.NewTask{
		ID:             a.TaskID,
		RunID:          r.id,
		Movement:       name,
		Attempt:        n,
		DependsOn:      r.plan.Dependencies(name),
		MemoryRefs:     r.memoryRefs,
		SpecialistType: string(persona.Specialist),
		InputHash:      inputHash,
	}); err != nil {
		return ledgerError(r.id, a.TaskID, err)
	}

	att := &attempt{taskID: a.TaskID, movement: name, number: n, status: ledger.TaskPending}
	r.inflight[att.taskID] = att
	r.order = append(r.order, att.taskID)
	if err := r.setTaskStatus(att, ledger.TaskAssigned); err != nil {
		return err
	}

	if r.e.workspaces != nil && r.e.settings.SourceRepo != "" {
		h, err := r.e.workspaces.Acquire(r.wctx, r.e.settings.SourceRepo, r.id, att.taskID)
		if err != nil {
			return r.attemptFailed(att, fmt.Sprintf("acquire workspace: %v", err), false)
		}
		att.ws = &h
		a.WorkspacePath = h.Path
	}

	if err := r.record(att.taskID, bus.EventTaskSubmitted, a); err != nil {
		return err
	}
	slog.Info("task dispatched", "run", r.id, "task", att.taskID, "movement", name, "attempt", n)
	r.e.bus.Publish(bus.TaskTopic(r.id, bus.TaskSubmitted), bus.NewEnvelope("engine/"+r.id, bus.EventTaskSubmitted, a))
	return nil
}

// --- results ---

func (r *run) onResult(status string, res worker.TaskResult) error {
	att, ok := r.inflight[res.TaskID]
	if !ok || att.cancelGate != nil {
		slog.Debug("ignoring result for settled task", "run", r.id, "task", res.TaskID, "status", status)
		return nil
	}
	if res.AgentID != "" && att.agentID == "" {
		att.agentID = res.AgentID
		if err := r.e.ledger.AssignTaskAgent(r.base, att.taskID, res.AgentID, res.ThreadID); err != nil {
			return ledgerError(r.id, att.taskID, err)
		}
	}
	switch status {
	case bus.TaskWorking:
		if err := r.setTaskStatus(att, ledger.TaskRunning); err != nil {
			return err
		}
		return r.record(att.taskID, bus.EventTaskWorking, res)
	case bus.TaskCompleted:
		return r.onCompleted(att, res)
	case bus.TaskFailed:
		return r.onFailed(att, res)
	}
	return nil
}

// settle does the bookkeeping shared by completed and failed results.
func (r *run) settle(att *attempt, res worker.TaskResult, eventType string) error {
	if err := r.record(att.taskID, eventType, res); err != nil {
		return err
	}
	if res.TokensUsed != 0 {
		if err := r.e.ledger.AddTaskTokens(r.base, att.taskID, res.TokensUsed); err != nil {
			return ledgerError(r.id, att.taskID, err)
		}
	}
	if res.TokensUsed != 0 || res.Cost != 0 {
		if err := r.e.ledger.AddRunUsage(r.base, r.id, res.TokensUsed, res.Cost); err != nil {
			return ledgerError(r.id, att.taskID, err)
		}
	}
	for _, le := range Exceeded(r.quota.Charge(res.TokensUsed, res.Cost)) {
		trig := algedonic.TriggerCostLimit
		if le.Resource == ResourceTokens {
			trig = algedonic.TriggerTokenExhaustion
		}
		algedonic.Emit(r.e.bus, r.id, algedonic.SeverityFatal, trig, le.Error(),
			map[string]any{"used": le.Used, "limit": le.Limit, "task": att.taskID})
	}

	if r.tracker != nil && res.Beliefs != nil && !res.Beliefs.Empty() {
		workerID := res.AgentID
		if workerID == "" {
			workerID = att.movement
		}
		r.tracker.Record(workerID, *res.Beliefs)
		r.store.SetBeliefs(att.movement, res.Beliefs.Assumptions)
		pc := r.tracker.BuildContext()
		if len(pc.Conflicts) > 0 {
			r.beliefs = pc.Summary
			if err := r.record(att.taskID, bus.EventBeliefConflicts, pc); err != nil {
				return err
			}
		}
	}

	if threshold := r.e.settings.EntropyThreshold; threshold > 0 && res.EditEntropy != nil && *res.EditEntropy > threshold {
		r.e.bus.Publish(bus.EntropyTopic(r.id), bus.NewEnvelope("engine/"+r.id, bus.EventEntropyAlert, EntropyAlert{
			RunID:     r.id,
			TaskID:    att.taskID,
			Movement:  att.movement,
			Entropy:   *res.EditEntropy,
			Threshold: threshold,
		}))
	}
	return nil
}

func (r *run) onFailed(att *attempt, res worker.TaskResult) error {
	if err := r.settle(att, res, bus.EventTaskFailed); err != nil {
		return err
	}
	r.release(att)
	reason := res.Error
	if reason == "" {
		reason = "worker failed"
	}
	return r.attemptFailed(att, reason, false)
}

func (r *run) onCompleted(att *attempt, res worker.TaskResult) error {
	if att.status == ledger.TaskAssigned {
		if err := r.setTaskStatus(att, ledger.TaskRunning); err != nil {
			return err
		}
	}
	if err := r.settle(att, res, bus.EventTaskCompleted); err != nil {
		return err
	}

	var diff, wsPath string
	if att.ws != nil {
		wsPath = att.ws.Path
		d, err := r.e.workspaces.CaptureDiff(r.wctx, *att.ws)
		if err != nil {
			r.release(att)
			return r.attemptFailed(att, fmt.Sprintf("capture diff: %v", err), false)
		}
		diff = d
	}

	mv, _ := r.plan.Movement(att.movement)
	persona, _ := r.plan.Persona(mv.AssignedTo)
	policy := r.e.settings.Retry.policyFor(mv)
	in := gate.Input{
		TaskID:                att.taskID,
		RunID:                 r.id,
		Movement:              mv,
		Persona:               persona,
		Diff:                  diff,
		Artifacts:             res.Artifacts,
		WorkspacePath:         wsPath,
		WorkerModel:           workerModel(mv, persona),
		AttemptsLeft:          policy.MaxAttempts - att.number,
		SatisfactionThreshold: r.plan.Piece.Rules.SatisfactionThreshold,
	}

	// The pipeline runs off the loop so signals, pauses and other
	// completions are served while it works. The attempt stays in flight
	// until eventGateDone arrives; only abandon cancels it, so a stopping
	// run still drains validations like worker tasks.
	gctx, cancel := context.WithCancel(r.base)
	att.cancelGate = cancel
	go func() {
		out, err := r.gates.Run(gctx, in)
		r.queue.Enqueue(event{kind: eventGateDone, result: res, diff: diff, outcome: out, err: err})
	}()
	return nil
}

// onValidated applies the gate outcome of a completed attempt.
func (r *run) onValidated(res worker.TaskResult, diff string, out gate.Outcome, err error) error {
	att, ok := r.inflight[res.TaskID]
	if !ok || att.cancelGate == nil {
		slog.Debug("ignoring validation of settled task", "run", r.id, "task", res.TaskID)
		return nil
	}
	att.cancelGate()
	att.cancelGate = nil
	r.release(att)
	if err != nil {
		var re *RuntimeError
		if errors.As(err, &re) {
			return err
		}
		return r.attemptFailed(att, "validation interrupted: "+err.Error(), false)
	}

	if out.Threats.Severity == gate.ThreatCritical {
		algedonic.Emit(r.e.bus, r.id, algedonic.SeverityCritical, algedonic.TriggerSecurityViolation,
			fmt.Sprintf("secret detected in output of %s", att.movement),
			map[string]any{"task": att.taskID, "movement": att.movement, "threats": len(out.Threats.Threats)})
	}
	if out.L2Median != nil && *out.L2Median < r.e.settings.ScoreCollapse {
		algedonic.Emit(r.e.bus, r.id, algedonic.SeverityWarning, algedonic.TriggerScoreCollapse,
			fmt.Sprintf("blind score %.3f for %s is below %.3f", *out.L2Median, att.movement, r.e.settings.ScoreCollapse),
			map[string]any{"task": att.taskID, "movement": att.movement, "median": *out.L2Median})
	}

	if !out.Passed {
		if err := r.record(att.taskID, bus.EventTaskRejected, map[string]any{
			"gate":     out.FailedGate,
			"terminal": out.Terminal,
			"revise":   out.Revise,
			"feedback": out.Feedback(),
		}); err != nil {
			return err
		}
		return r.attemptFailed(att, out.Feedback(), out.Terminal)
	}
	return r.accept(att, res, diff, out)
}

func (r *run) accept(att *attempt, res worker.TaskResult, diff string, out gate.Outcome) error {
	outputHash, err := canon.Hash(canon.DomainTaskOutput, map[string]any{
		"diff":      diff,
		"artifacts": canonicalArtifacts(res.Artifacts),
	})
	if err != nil {
		return fmt.Errorf("hash task output: %w", err)
	}
	if err := r.e.ledger.RecordTaskOutput(r.base, att.taskID, outputHash, res.EditEntropy); err != nil {
		return ledgerError(r.id, att.taskID, err)
	}
	if err := r.setTaskStatus(att, ledger.TaskCompleted); err != nil {
		return err
	}
	validated := map[string]any{"outputHash": outputHash}
	if out.L2Median != nil {
		validated["blindMedian"] = *out.L2Median
	}
	if out.Final != nil {
		validated["satisfaction"] = *out.Final
	}
	if err := r.record(att.taskID, bus.EventTaskValidated, validated); err != nil {
		return err
	}

	delete(r.inflight, att.taskID)
	delete(r.active, att.movement)
	delete(r.feedback, att.movement)
	r.done[att.movement] = true
	slog.Info("movement completed", "run", r.id, "movement", att.movement, "task", att.taskID, "attempt", att.number)

	files := gate.ChangedFiles(diff)
	for _, f := range files {
		if err := r.store.InvalidatePath(r.base, f); err != nil {
			return ledgerError(r.id, att.taskID, err)
		}
	}
	text := artifactText(res.Artifacts)
	if text == "" {
		text = fmt.Sprintf("%s completed: %s", att.movement, r.goalOf(att.movement))
	}
	if _, err := r.store.CacheSummary(r.base, ledger.ScopeModule, att.movement, att.taskID, text); err != nil {
		return ledgerError(r.id, att.taskID, err)
	}
	r.outputs = append(r.outputs, text)

	var findings []string
	for _, rep := range out.Reports {
		for _, f := range rep.Findings {
			if f.Severity != gate.SeverityInfo {
				findings = append(findings, fmt.Sprintf("%s: %s", rep.Gate, f.Message))
			}
		}
	}
	r.store.RecordOutcome(contextstore.Update{Movement: att.movement, TaskID: att.taskID, Status: string(ledger.TaskCompleted), Files: files}, findings)
	return nil
}

// attemptFailed closes a failed attempt and either schedules the next one
// or gives up on the movement.
func (r *run) attemptFailed(att *attempt, reason string, terminal bool) error {
	delete(r.inflight, att.taskID)
	if err := r.setTaskStatus(att, ledger.TaskFailed); err != nil {
		return err
	}
	r.errs = append(r.errs, fmt.Sprintf("%s attempt %d: %s", att.movement, att.number, firstLine(reason)))
	r.store.RecordOutcome(contextstore.Update{Movement: att.movement, TaskID: att.taskID, Status: string(ledger.TaskFailed)}, []string{reason})

	if r.stopping {
		delete(r.active, att.movement)
		r.failed[att.movement] = true
		return nil
	}

	mv, _ := r.plan.Movement(att.movement)
	policy := r.e.settings.Retry.policyFor(mv)
	if terminal || att.number >= policy.MaxAttempts {
		return r.exhaust(att, reason, terminal)
	}

	delay := r.e.settings.Retry.Delay(policy.Backoff, att.number)
	r.feedback[att.movement] = reason
	r.store.RecordRetry(att.movement, reason)
	if err := r.record(att.taskID, bus.EventTaskRetry, map[string]any{
		"movement": att.movement,
		"attempt":  att.number + 1,
		"delay":    delay.String(),
		"reason":   reason,
	}); err != nil {
		return err
	}
	slog.Info("retry scheduled", "run", r.id, "movement", att.movement, "attempt", att.number+1, "delay", delay)
	m := att.movement
	r.timers[m] = r.e.clock.AfterFunc(delay, func() {
		r.queue.Enqueue(event{kind: eventRetry, movement: m})
	})
	return nil
}

// exhaust gives up on a movement and applies the failure action.
func (r *run) exhaust(att *attempt, reason string, terminal bool) error {
	m := att.movement
	delete(r.active, m)
	r.failed[m] = true
	slog.Warn("movement failed", "run", r.id, "movement", m, "attempts", att.number, "terminal", terminal)

	if !terminal {
		algedonic.Emit(r.e.bus, r.id, algedonic.SeverityWarning, algedonic.TriggerRetryLoop,
			fmt.Sprintf("movement %s failed after %d attempts", m, att.number),
			map[string]any{"movement": m, "attempts": att.number, "lastError": firstLine(reason)})
	}

	if r.e.settings.FailureAction != FailSkip {
		r.stop(&RuntimeError{
			Code:    ErrCodeRunAborted,
			Message: fmt.Sprintf("movement %s failed", m),
			RunID:   r.id,
			TaskID:  att.taskID,
		})
		return nil
	}

	if err := r.record(att.taskID, bus.EventTaskSkipped, map[string]any{"movement": m, "reason": firstLine(reason)}); err != nil {
		return err
	}
	for _, d := range r.plan.Downstream(m) {
		if r.skipped[d] || r.done[d] {
			continue
		}
		r.skipped[d] = true
		if err := r.record("", bus.EventTaskSkipped, map[string]any{"movement": d, "reason": "upstream " + m + " failed"}); err != nil {
			return err
		}
	}
	return nil
}

// --- control ---

func (r *run) onSignal(sig algedonic.Signal, act algedonic.Action) error {
	if _, err := r.e.ledger.IncrementAlgedonicAlerts(r.base, r.id); err != nil {
		return ledgerError(r.id, "", err)
	}
	if err := r.record("", bus.AlgedonicEventType(string(sig.Severity)), map[string]any{
		"signal": sig,
		"action": act,
	}); err != nil {
		return err
	}
	slog.Warn("algedonic signal", "run", r.id, "severity", sig.Severity, "trigger", sig.Trigger, "action", act.Kind)

	switch act.Kind {
	case algedonic.ActionPause:
		return r.pause(act.Reason)
	case algedonic.ActionShutdown:
		r.stop(&RuntimeError{Code: ErrCodeRunShutdown, Message: act.Reason, RunID: r.id})
	}
	return nil
}

func (r *run) pause(reason string) error {
	if r.paused || r.stopping {
		return nil
	}
	if err := r.setRunStatus(ledger.RunPaused); err != nil {
		return err
	}
	if err := r.record("", bus.EventRunPaused, map[string]any{"reason": reason}); err != nil {
		return err
	}
	r.paused = true
	r.pauseGen++
	slog.Warn("run paused", "run", r.id, "reason", reason)
	if timeout := r.e.settings.PauseTimeout; timeout > 0 {
		gen := r.pauseGen
		r.stopPause = r.e.clock.AfterFunc(timeout, func() {
			r.queue.Enqueue(event{kind: eventPauseTimeout, generation: gen})
		})
	}
	return nil
}

func (r *run) resume() error {
	if !r.paused || r.stopping {
		return nil
	}
	if err := r.setRunStatus(ledger.RunRunning); err != nil {
		return err
	}
	if err := r.record("", bus.EventRunResumed, nil); err != nil {
		return err
	}
	r.paused = false
	if r.stopPause != nil {
		r.stopPause()
		r.stopPause = nil
	}
	slog.Info("run resumed", "run", r.id)
	return nil
}

// stop ends dispatch. In-flight tasks get the drain timeout to settle;
// pending backoff timers are cancelled.
func (r *run) stop(cause *RuntimeError) {
	if r.stopping {
		return
	}
	r.stopping = true
	r.stopErr = cause
	slog.Warn("run stopping", "run", r.id, "code", cause.Code, "reason", cause.Message, "inflight", len(r.inflight))

	for m, stopTimer := range r.timers {
		stopTimer()
		delete(r.active, m)
	}
	clear(r.timers)
	for _, m := range r.retryQ {
		delete(r.active, m)
	}
	r.retryQ = nil
	if r.stopPause != nil {
		r.stopPause()
		r.stopPause = nil
	}

	drain := r.e.settings.DrainTimeout
	if drain > 0 {
		r.wctx, r.cancelWork = context.WithTimeout(r.base, drain)
	} else {
		r.wctx = r.base
	}
	if len(r.inflight) == 0 {
		return
	}
	if drain <= 0 {
		if err := r.abandon(); err != nil && r.err == nil {
			r.err = err
		}
		return
	}
	r.stopDrain = r.e.clock.AfterFunc(drain, func() {
		r.queue.Enqueue(event{kind: eventDrainTimeout})
	})
}

// abandon records every task still in flight with its last known status
// and cancels its worker.
func (r *run) abandon() error {
	var first error
	for _, id := range r.order {
		att, ok := r.inflight[id]
		if !ok {
			continue
		}
		if err := r.record(id, bus.EventTaskAbandoned, map[string]any{
			"movement":   att.movement,
			"lastStatus": att.status,
		}); err != nil && first == nil {
			first = err
		}
		if err := r.setTaskStatus(att, ledger.TaskFailed); err != nil && first == nil {
			first = err
		}
		if att.cancelGate != nil {
			att.cancelGate()
			att.cancelGate = nil
		} else {
			r.e.dispatcher.Cancel(id)
		}
		r.release(att)
		delete(r.inflight, id)
		delete(r.active, att.movement)
		r.abandoned = append(r.abandoned, att.movement)
		slog.Warn("task abandoned", "run", r.id, "task", id, "movement", att.movement, "lastStatus", att.status)
	}
	return first
}

func (r *run) onEntropy(alert EntropyAlert) error {
	n, err := r.e.ledger.IncrementEntropyAlerts(r.base, r.id)
	if err != nil {
		return ledgerError(r.id, alert.TaskID, err)
	}
	if err := r.record(alert.TaskID, bus.EventEntropyAlert, alert); err != nil {
		return err
	}
	if limit := r.e.settings.MaxEntropyAlerts; limit > 0 && n > limit {
		algedonic.Emit(r.e.bus, r.id, algedonic.SeverityError, algedonic.TriggerEntropySpike,
			fmt.Sprintf("%d entropy alerts exceed the limit of %d", n, limit),
			map[string]any{"alerts": n, "limit": limit, "entropy": alert.Entropy})
	}
	return r.converge("entropy alert")
}

// converge runs the convergence collaborator. Its failures are logged and
// do not affect the run.
func (r *run) converge(reason string) error {
	if r.e.converger == nil {
		return nil
	}
	if err := r.record("", bus.EventConvergenceStart, map[string]any{"reason": reason}); err != nil {
		return err
	}
	in := memory.ConvergenceInput{RunID: r.id, Reason: reason, WorkerOutputs: r.outputs}
	if r.tracker != nil {
		in.Conflicts = r.tracker.DetectConflicts()
	}
	rep, err := r.e.converger.Converge(r.wctx, in)
	if err != nil {
		slog.Warn("convergence failed", "run", r.id, "reason", reason, "error", err)
		return nil
	}
	return r.record("", bus.EventConvergenceDone, rep)
}

// --- finish ---

func (r *run) finish() (Result, error) {
	if r.stopDrain != nil {
		r.stopDrain()
	}
	if r.cancelWork != nil {
		defer r.cancelWork()
	}
	res := Result{RunID: r.id, Depth: r.depth, Parallelism: r.limit, Abandoned: r.abandoned}
	res.Tokens, res.Cost = r.quota.Current()
	for _, m := range r.plan.Order {
		switch {
		case r.done[m]:
			res.Completed = append(res.Completed, m)
		case r.failed[m]:
			res.Failed = append(res.Failed, m)
		case r.skipped[m]:
			res.Skipped = append(res.Skipped, m)
		}
	}

	status := ledger.RunCompleted
	if len(res.Completed) != len(r.plan.Order) || r.stopErr != nil || r.err != nil {
		status = ledger.RunFailed
	}
	res.Status = status

	if r.err == nil {
		if err := r.wrapUp(status, res); err != nil {
			r.err = err
		}
	}

	if err := r.setRunStatus(status); err != nil && r.err == nil {
		r.err = err
	}
	final := map[string]any{"completed": len(res.Completed), "movements": len(r.plan.Order)}
	terminalEvent := bus.EventRunCompleted
	if status == ledger.RunFailed {
		terminalEvent = bus.EventRunFailed
		if r.stopErr != nil {
			final["code"] = r.stopErr.Code
			final["reason"] = r.stopErr.Message
		}
	}
	if err := r.record("", terminalEvent, final); err != nil && r.err == nil {
		r.err = err
	}
	slog.Info("run finished", "run", r.id, "status", status, "completed", len(res.Completed),
		"failed", len(res.Failed), "skipped", len(res.Skipped), "tokens", res.Tokens, "cost", res.Cost)

	if r.err != nil {
		res.Status = ledger.RunFailed
		return res, r.err
	}
	if status == ledger.RunFailed {
		if r.stopErr != nil {
			return res, r.stopErr
		}
		return res, &RuntimeError{
			Code:    ErrCodeRunAborted,
			Message: fmt.Sprintf("%d of %d movements did not complete", len(r.plan.Order)-len(res.Completed), len(r.plan.Order)),
			RunID:   r.id,
		}
	}
	return res, nil
}

// wrapUp runs end-of-run convergence and memory debrief.
func (r *run) wrapUp(status ledger.RunStatus, res Result) error {
	if err := r.converge("run end"); err != nil {
		return err
	}
	if !r.e.settings.Memory.Persistent() || r.e.memory == nil {
		return nil
	}
	var patterns []string
	for _, m := range r.plan.Order {
		if n := r.attempts[m]; n > 1 && r.done[m] {
			patterns = append(patterns, fmt.Sprintf("movement %s needed %d attempts", m, n))
		}
	}
	in := memory.DebriefInput{
		RunID: r.id,
		Summary: fmt.Sprintf("%s %s with %d of %d movements completed at depth %s",
			r.plan.Piece.Name, status, len(res.Completed), len(r.plan.Order), r.depth),
		Errors:    r.errs,
		Patterns:  patterns,
		Decisions: []string{fmt.Sprintf("selected depth %s with parallelism %d", r.depth, r.limit)},
	}
	stored, err := memory.Debrief(r.wctx, r.e.memory, in)
	if err != nil {
		slog.Warn("memory debrief failed", "run", r.id, "error", err)
	}
	promoted, err := memory.PromoteSummaries(r.wctx, r.e.ledger, r.e.memory, memory.DefaultPromotionRuns)
	if err != nil {
		slog.Warn("summary promotion failed", "run", r.id, "error", err)
	}
	return r.record("", bus.EventMemoryDebriefed, map[string]any{"notes": stored, "promotedSummaries": promoted})
}

// --- helpers ---

func (r *run) record(taskID, eventType string, payload any) error {
	if _, err := r.e.ledger.AppendEvent(r.base, ledger.NewEvent{
		RunID:   r.id,
		TaskID:  taskID,
		Type:    eventType,
		Payload: payload,
	}); err != nil {
		return ledgerError(r.id, taskID, err)
	}
	return nil
}

// recordReport is the gate pipeline sink. It runs on the pipeline's
// goroutine and records nothing once the attempt was abandoned.
func (r *run) recordReport(ctx context.Context, rep gate.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.record(rep.TaskID, bus.ValidationEventType(string(rep.Gate), rep.Passed), rep)
}

func (r *run) setTaskStatus(att *attempt, status ledger.TaskStatus) error {
	if err := r.e.ledger.UpdateTaskStatus(r.base, att.taskID, status); err != nil {
		return ledgerError(r.id, att.taskID, err)
	}
	att.status = status
	return nil
}

func (r *run) setRunStatus(status ledger.RunStatus) error {
	if err := r.e.ledger.UpdateRunStatus(r.base, r.id, status); err != nil {
		return ledgerError(r.id, "", err)
	}
	return nil
}

// release returns an attempt's workspace. Failures only leak a directory.
func (r *run) release(att *attempt) {
	if att.ws == nil {
		return
	}
	if err := r.e.workspaces.Release(r.base, *att.ws); err != nil {
		slog.Warn("release workspace", "run", r.id, "task", att.taskID, "error", err)
	}
	att.ws = nil
}

func (r *run) goalOf(movement string) string {
	mv, _ := r.plan.Movement(movement)
	return mv.Goal
}

func workerModel(mv workflow.Movement, p workflow.Persona) string {
	if mv.ModelConfig != nil && mv.ModelConfig.Model != "" {
		return mv.ModelConfig.Model
	}
	return p.Model
}

func artifactText(arts []worker.Artifact) string {
	var parts []string
	for _, a := range arts {
		if t := strings.TrimSpace(a.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// canonicalArtifacts reduces artifacts to the value types canon accepts.
// Structured data parts contribute only their key set.
func canonicalArtifacts(arts []worker.Artifact) []any {
	out := make([]any, 0, len(arts))
	for _, a := range arts {
		parts := make([]any, 0, len(a.Parts))
		for _, p := range a.Parts {
			cp := map[string]any{"kind": string(p.Kind)}
			switch p.Kind {
			case worker.PartText:
				cp["text"] = p.Text
			case worker.PartFile:
				cp["uri"] = p.URI
				cp["mimeType"] = p.MimeType
			case worker.PartData:
				cp["keys"] = slices.Sorted(maps.Keys(p.Data))
			}
			parts = append(parts, cp)
		}
		out = append(out, map[string]any{"name": a.Name, "mimeType": a.MimeType, "parts": parts})
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
