package workflow

import "time"

// Role is a persona's function in the workflow.
type Role string

const (
	RoleLead       Role = "lead"
	RoleWorker     Role = "worker"
	RoleJudge      Role = "judge"
	RoleSummarizer Role = "summarizer"
	RolePlanner    Role = "planner"
	RoleCoder      Role = "coder"
	RoleTester     Role = "tester"
	RoleReviewer   Role = "reviewer"
)

// Specialist selects a specialised worker prompt.
type Specialist string

const (
	SpecialistCoder      Specialist = "coder"
	SpecialistTester     Specialist = "tester"
	SpecialistRefactorer Specialist = "refactorer"
	SpecialistDocWriter  Specialist = "doc-writer"
)

// MovementType classifies the work a movement performs.
type MovementType string

const (
	MovementCode     MovementType = "code"
	MovementTest     MovementType = "test"
	MovementReview   MovementType = "review"
	MovementRefactor MovementType = "refactor"
	MovementDocument MovementType = "document"
)

// ContextStrategy controls how much context a worker receives.
type ContextStrategy string

const (
	ContextFull    ContextStrategy = "full"
	ContextSummary ContextStrategy = "summary"
	ContextMinimal ContextStrategy = "minimal"
	ContextIndexed ContextStrategy = "indexed"
)

// Backoff is the delay growth between retry attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Tier is the model strength requested for a movement.
type Tier string

const (
	TierSOTA   Tier = "sota"
	TierFast   Tier = "fast"
	TierStatic Tier = "static"
)

// Defaults applied when a document omits a field.
const (
	DefaultVersion               = "1.0"
	DefaultGoalGate              = 0.7
	DefaultSatisfactionThreshold = 0.7
	DefaultMaxAttempts           = 3
)

// Piece is a complete, validated workflow ("TaktPiece").
type Piece struct {
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	Goal      string     `json:"goal"`
	Personas  []Persona  `json:"personas"`
	Movements []Movement `json:"movements"`
	Edges     []Edge     `json:"edges"`
	Rules     Rules      `json:"rules"`
}

// Persona is a worker role description with deontic constraints.
type Persona struct {
	Name         string     `json:"name"`
	Model        string     `json:"model,omitempty"`
	Role         Role       `json:"role"`
	Blind        bool       `json:"blind"`
	Specialist   Specialist `json:"specialist,omitempty"`
	Obligations  []string   `json:"obligations"`
	Permissions  []string   `json:"permissions"`
	Prohibitions []string   `json:"prohibitions"`
}

// Movement is one unit of work in the DAG.
type Movement struct {
	Name            string          `json:"name"`
	Goal            string          `json:"goal"`
	AssignedTo      string          `json:"assignedTo"`
	Type            MovementType    `json:"type"`
	GoalGate        float64         `json:"goalGate"`
	ModelConfig     *ModelConfig    `json:"modelConfig,omitempty"`
	Retry           *RetryPolicy    `json:"retry,omitempty"`
	ContextStrategy ContextStrategy `json:"contextStrategy"`
	Inputs          []string        `json:"inputs"`
	Outputs         []string        `json:"outputs"`
	Critic          bool            `json:"critic"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
}

// ModelConfig tunes the model used for a movement.
type ModelConfig struct {
	Model       string   `json:"model,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Tier        Tier     `json:"tier"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

// RetryPolicy bounds re-dispatch of a failed movement.
type RetryPolicy struct {
	MaxAttempts     int     `json:"maxAttempts"`
	Backoff         Backoff `json:"backoff"`
	DegradationMode string  `json:"degradationMode,omitempty"`
}

// Edge is a directed dependency: To may start only after From completes.
type Edge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Condition string   `json:"condition,omitempty"`
	Weight    *float64 `json:"weight,omitempty"`
}

// Rules are workflow-wide acceptance settings.
type Rules struct {
	SatisfactionThreshold float64 `json:"satisfactionThreshold"`
}
