// Package gate implements the validation pipeline a completed task passes
// through before its movement counts as done.
//
// Gates run in a fixed order and stop at the first hard failure:
//
//	L0   contract: declared outputs, persona prohibitions, threat scan
//	L1   the worker's own tests in its workspace
//	L1.5 optional cross-model critic (soft)
//	L2   blind satisfaction scoring, median of N runs
//	L3   L2 median combined with a holdout pass rate, optional human review
//
// An L0 failure is terminal for the task. Every other failure may be
// retried under the movement's retry policy.
package gate

import (
	"time"

	"github.com/roach88/darkfactory/internal/worker"
	"github.com/roach88/darkfactory/internal/workflow"
)

// ID names a gate. The values appear verbatim in validation topics.
type ID string

const (
	L0  ID = "L0"
	L1  ID = "L1"
	L15 ID = "L1.5"
	L2  ID = "L2"
	L3  ID = "L3"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Finding is one observation made by a gate.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// Report is the immutable result of one gate for one task.
type Report struct {
	TaskID    string    `json:"taskId"`
	Gate      ID        `json:"gate"`
	Passed    bool      `json:"passed"`
	Score     *float64  `json:"score,omitempty"`
	Findings  []Finding `json:"findings"`
	Timestamp time.Time `json:"timestamp"`
}

// Input is what the pipeline validates. It deliberately carries no worker
// conversation so that blind gates cannot see it.
type Input struct {
	TaskID        string
	RunID         string
	Movement      workflow.Movement
	Persona       workflow.Persona
	Diff          string
	Artifacts     []worker.Artifact
	WorkspacePath string
	// WorkerModel is the model the worker ran on; the critic picks the
	// opposing family.
	WorkerModel string
	// AttemptsLeft is how many more dispatches the movement's retry policy
	// allows after this one.
	AttemptsLeft          int
	SatisfactionThreshold float64
}

// Outcome is the pipeline's verdict on one task attempt.
type Outcome struct {
	Reports []Report
	Passed  bool
	// FailedGate is the gate that stopped the pipeline, if any.
	FailedGate ID
	// Terminal is set when the failure must not be retried.
	Terminal bool
	// Revise is set when the critic asked for another attempt. The
	// critique is in Critique.
	Revise   bool
	Critique *CriticReport
	Threats  ThreatReport
	// L2Median is set once L2 has produced a score.
	L2Median *float64
	Final    *float64
}

// Feedback renders the findings of the failing gate, or the critique on a
// revise, as text for the next attempt.
func (o Outcome) Feedback() string {
	if o.Revise && o.Critique != nil {
		return o.Critique.Summary()
	}
	for _, r := range o.Reports {
		if r.Gate != o.FailedGate {
			continue
		}
		out := string(r.Gate) + " failed"
		for _, f := range r.Findings {
			out += "\n- [" + string(f.Severity) + "] " + f.Message
		}
		return out
	}
	return ""
}

func score(v float64) *float64 { return &v }
