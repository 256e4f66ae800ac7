// Package belief tracks what each worker of a run has read, assumed and
// modified, and reports pairwise conflicts between workers.
package belief

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// State is one worker's accumulated beliefs. Values returned by the Tracker
// are copies.
type State struct {
	WorkerID      string            `json:"workerId"`
	SymbolsRead   []string          `json:"symbolsRead"`
	Assumptions   map[string]string `json:"assumptions"`
	FilesModified []string          `json:"filesModified"`
}

type state struct {
	symbols     map[string]bool
	assumptions map[string]string
	files       map[string]bool
}

// Tracker is owned by a single run. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	workers map[string]*state
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{workers: make(map[string]*state)}
}

func (t *Tracker) track(workerID string) *state {
	s, ok := t.workers[workerID]
	if !ok {
		s = &state{
			symbols:     make(map[string]bool),
			assumptions: make(map[string]string),
			files:       make(map[string]bool),
		}
		t.workers[workerID] = s
	}
	return s
}

func (t *Tracker) RecordRead(workerID, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.track(workerID).symbols[symbol] = true
}

// RecordAssumption stores key=value for the worker, replacing any earlier
// value for the same key.
func (t *Tracker) RecordAssumption(workerID, key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.track(workerID).assumptions[key] = value
}

func (t *Tracker) RecordModification(workerID, file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.track(workerID).files[file] = true
}

// Observation is a batch of beliefs reported by one worker, usually
// alongside a task result.
type Observation struct {
	SymbolsRead   []string          `json:"symbolsRead,omitempty"`
	Assumptions   map[string]string `json:"assumptions,omitempty"`
	FilesModified []string          `json:"filesModified,omitempty"`
}

// Empty reports whether the observation carries nothing.
func (o Observation) Empty() bool {
	return len(o.SymbolsRead) == 0 && len(o.Assumptions) == 0 && len(o.FilesModified) == 0
}

// Record merges an observation into the worker's state.
func (t *Tracker) Record(workerID string, o Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.track(workerID)
	for _, sym := range o.SymbolsRead {
		s.symbols[sym] = true
	}
	maps.Copy(s.assumptions, o.Assumptions)
	for _, f := range o.FilesModified {
		s.files[f] = true
	}
}

// State returns a snapshot of one worker, or false if it was never tracked.
func (t *Tracker) State(workerID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.workers[workerID]
	if !ok {
		return State{}, false
	}
	return snapshot(workerID, s), true
}

// States returns snapshots of every tracked worker ordered by worker id.
func (t *Tracker) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, len(t.workers))
	for _, id := range slices.Sorted(maps.Keys(t.workers)) {
		out = append(out, snapshot(id, t.workers[id]))
	}
	return out
}

// Reset discards all tracked state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.workers)
}

func snapshot(id string, s *state) State {
	return State{
		WorkerID:      id,
		SymbolsRead:   slices.Sorted(maps.Keys(s.symbols)),
		Assumptions:   maps.Clone(s.assumptions),
		FilesModified: slices.Sorted(maps.Keys(s.files)),
	}
}

// ConflictKind distinguishes the two kinds of belief conflict.
type ConflictKind string

const (
	ConflictAssumption   ConflictKind = "assumption"
	ConflictModification ConflictKind = "modification"
)

// Conflict pairs two workers that disagree about one subject.
type Conflict struct {
	WorkerA string       `json:"workerA"`
	WorkerB string       `json:"workerB"`
	Kind    ConflictKind `json:"kind"`
	Subject string       `json:"subject"`
	ValueA  string       `json:"valueA"`
	ValueB  string       `json:"valueB"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s vs %s: %s conflict on %q (%s vs %s)",
		c.WorkerA, c.WorkerB, c.Kind, c.Subject, c.ValueA, c.ValueB)
}

// DetectConflicts compares every pair of workers. Two workers holding
// different values for the same assumption key yield one assumption
// conflict; two workers that both modified a file yield one modification
// conflict. Output order is deterministic: worker pairs by id, then
// assumptions before modifications, subjects sorted.
func (t *Tracker) DetectConflicts() []Conflict {
	states := t.States()
	var out []Conflict
	for i := 0; i < len(states); i++ {
		for j := i + 1; j < len(states); j++ {
			a, b := states[i], states[j]
			for _, key := range slices.Sorted(maps.Keys(a.Assumptions)) {
				va := a.Assumptions[key]
				vb, ok := b.Assumptions[key]
				if ok && va != vb {
					out = append(out, Conflict{
						WorkerA: a.WorkerID, WorkerB: b.WorkerID,
						Kind: ConflictAssumption, Subject: key,
						ValueA: va, ValueB: vb,
					})
				}
			}
			for _, f := range a.FilesModified {
				if _, ok := slices.BinarySearch(b.FilesModified, f); ok {
					out = append(out, Conflict{
						WorkerA: a.WorkerID, WorkerB: b.WorkerID,
						Kind: ConflictModification, Subject: f,
						ValueA: "modified", ValueB: "modified",
					})
				}
			}
		}
	}
	return out
}

// PlannerContext is the advisory view handed to later assignments.
type PlannerContext struct {
	Conflicts []Conflict `json:"conflicts"`
	Summary   string     `json:"summary"`
}

// BuildContext detects conflicts and renders them as planner text.
func (t *Tracker) BuildContext() PlannerContext {
	conflicts := t.DetectConflicts()
	if len(conflicts) == 0 {
		return PlannerContext{Conflicts: conflicts, Summary: "No belief conflicts detected between workers."}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d belief conflict(s) detected:", len(conflicts))
	for _, c := range conflicts {
		sb.WriteString("\n- ")
		sb.WriteString(c.String())
	}
	return PlannerContext{Conflicts: conflicts, Summary: sb.String()}
}
