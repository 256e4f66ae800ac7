// Package contextstore holds the scoped context a run accumulates and
// resolves it into the text a worker receives for each movement.
//
// Context has three scopes: global (project facts, conventions, memory
// seeds), per file, and per movement. Everything is append-only within a
// run; the store is discarded when the run ends.
package contextstore

import (
	"maps"
	"slices"
	"sync"

	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/index"
	"github.com/roach88/darkfactory/internal/memory"
)

// Global is context shared by every movement.
type Global struct {
	ProjectInfo   map[string]string `json:"projectInfo"`
	Conventions   []string          `json:"conventions"`
	MemorySeeds   []string          `json:"memorySeeds"`
	IndexOverview string            `json:"indexOverview,omitempty"`
}

// File is what is known about one source file.
type File struct {
	Purpose       string   `json:"purpose,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	ChangeHistory []string `json:"changeHistory,omitempty"`
	Symbols       []string `json:"symbols,omitempty"`
}

// Task is what is known about one movement across its attempts.
type Task struct {
	Objective     string            `json:"objective"`
	RelevantFiles []string          `json:"relevantFiles,omitempty"`
	PriorFindings []string          `json:"priorFindings,omitempty"`
	RetryHistory  []string          `json:"retryHistory,omitempty"`
	BeliefState   map[string]string `json:"beliefState,omitempty"`
}

// Update is the payload published on context.{runId}.updated.
type Update struct {
	RunID    string   `json:"runId"`
	Movement string   `json:"movement"`
	TaskID   string   `json:"taskId"`
	Status   string   `json:"status"`
	Files    []string `json:"files,omitempty"`
}

// Store is the context of one run. It is safe for concurrent use.
type Store struct {
	runID     string
	bus       *bus.Bus
	summaries SummaryLedger
	index     index.SemanticIndex

	mu     sync.RWMutex
	global Global
	files  map[string]*File
	tasks  map[string]*Task
}

// Option configures a Store.
type Option func(*Store)

// WithSummaries enables the summary strategy's ledger-backed cache.
func WithSummaries(l SummaryLedger) Option {
	return func(s *Store) { s.summaries = l }
}

// WithIndex enables symbol neighborhoods for the indexed strategy.
func WithIndex(idx index.SemanticIndex) Option {
	return func(s *Store) { s.index = idx }
}

// New creates an empty store for runID. b may be nil, in which case updates
// are not published.
func New(runID string, b *bus.Bus, opts ...Option) *Store {
	s := &Store{
		runID:  runID,
		bus:    b,
		global: Global{ProjectInfo: map[string]string{}, Conventions: []string{}, MemorySeeds: []string{}},
		files:  make(map[string]*File),
		tasks:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) SetProjectInfo(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.ProjectInfo[key] = value
}

func (s *Store) AddConvention(rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.Conventions = append(s.global.Conventions, rule)
}

func (s *Store) SetIndexOverview(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.IndexOverview = text
}

// SeedMemories adds project memory notes found at run start.
func (s *Store) SeedMemories(notes []memory.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range notes {
		s.global.MemorySeeds = append(s.global.MemorySeeds, n.Content)
	}
}

// SetFile replaces the context of one file.
func (s *Store) SetFile(path string, f File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	s.files[path] = &cp
}

// SetObjective starts or updates the context of a movement.
func (s *Store) SetObjective(movement, objective string, relevantFiles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task(movement)
	t.Objective = objective
	t.RelevantFiles = slices.Clone(relevantFiles)
}

// SetBeliefs attaches a worker's assumptions to a movement.
func (s *Store) SetBeliefs(movement string, assumptions map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.task(movement).BeliefState = maps.Clone(assumptions)
}

// RecordRetry notes why a movement is being attempted again.
func (s *Store) RecordRetry(movement, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.task(movement)
	t.RetryHistory = append(t.RetryHistory, reason)
}

// RecordOutcome appends a task's findings and touched files to the store
// and publishes the change.
func (s *Store) RecordOutcome(u Update, findings []string) {
	s.mu.Lock()
	t := s.task(u.Movement)
	t.PriorFindings = append(t.PriorFindings, findings...)
	for _, path := range u.Files {
		f, ok := s.files[path]
		if !ok {
			f = &File{}
			s.files[path] = f
		}
		f.ChangeHistory = append(f.ChangeHistory, u.Movement+": "+u.Status)
	}
	s.mu.Unlock()

	if s.bus == nil {
		return
	}
	u.RunID = s.runID
	s.bus.Publish(bus.ContextTopic(s.runID), bus.NewEnvelope("context/"+s.runID, bus.EventContextUpdated, u))
}

// Global returns a copy of the global scope.
func (s *Store) Global() Global {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalCopy()
}

// File returns a copy of a file's context.
func (s *Store) File(path string) (File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[path]
	if !ok {
		return File{}, false
	}
	return copyFile(*f), true
}

// Task returns a copy of a movement's context.
func (s *Store) Task(movement string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[movement]
	if !ok {
		return Task{}, false
	}
	return copyTask(*t), true
}

// task must be called with mu held for writing.
func (s *Store) task(movement string) *Task {
	t, ok := s.tasks[movement]
	if !ok {
		t = &Task{}
		s.tasks[movement] = t
	}
	return t
}

func (s *Store) globalCopy() Global {
	return Global{
		ProjectInfo:   maps.Clone(s.global.ProjectInfo),
		Conventions:   slices.Clone(s.global.Conventions),
		MemorySeeds:   slices.Clone(s.global.MemorySeeds),
		IndexOverview: s.global.IndexOverview,
	}
}

func copyFile(f File) File {
	f.Dependencies = slices.Clone(f.Dependencies)
	f.ChangeHistory = slices.Clone(f.ChangeHistory)
	f.Symbols = slices.Clone(f.Symbols)
	return f
}

func copyTask(t Task) Task {
	t.RelevantFiles = slices.Clone(t.RelevantFiles)
	t.PriorFindings = slices.Clone(t.PriorFindings)
	t.RetryHistory = slices.Clone(t.RetryHistory)
	t.BeliefState = maps.Clone(t.BeliefState)
	return t
}
