package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/darkfactory/internal/shell"
)

// Recommendation is the critic's verdict.
type Recommendation string

const (
	RecommendPass   Recommendation = "pass"
	RecommendRevise Recommendation = "revise"
	RecommendReject Recommendation = "reject"
)

// CriticIssue is one problem the critic found.
type CriticIssue struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"` // low, medium or high
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
}

// CriticReport is a structured critique.
type CriticReport struct {
	Issues         []CriticIssue  `json:"issues"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
}

// Summary renders the critique as feedback text.
func (r CriticReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Critic recommends %s (confidence %.2f)", r.Recommendation, r.Confidence)
	for _, is := range r.Issues {
		fmt.Fprintf(&b, "\n- [%s] %s: %s", is.Severity, is.Category, is.Description)
		if is.Suggestion != "" {
			fmt.Fprintf(&b, " (suggestion: %s)", is.Suggestion)
		}
	}
	return b.String()
}

// CriticRequest is what the critic reviews.
type CriticRequest struct {
	TaskID      string `json:"taskId"`
	TaskSpec    string `json:"taskSpec"`
	Diff        string `json:"diff"`
	TestResults string `json:"testResults"`
	WorkerModel string `json:"workerModel,omitempty"`
	// Family is the model family the critic must use.
	Family string `json:"family"`
}

// Critic audits a change with a different model family than the worker's.
type Critic interface {
	Review(ctx context.Context, req CriticRequest) (CriticReport, error)
}

// Model families.
const (
	FamilyAnthropic = "anthropic"
	FamilyOpenAI    = "openai"
	FamilyUnknown   = "unknown"
)

// ModelFamily guesses the provider family from a model name.
func ModelFamily(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"), strings.Contains(m, "anthropic"):
		return FamilyAnthropic
	case strings.Contains(m, "gpt"), strings.Contains(m, "codex"), strings.Contains(m, "openai"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return FamilyOpenAI
	}
	return FamilyUnknown
}

// OpposingFamily is the family a critic should use for a worker model.
// Unknown worker models are reviewed by the anthropic family.
func OpposingFamily(workerModel string) string {
	if ModelFamily(workerModel) == FamilyAnthropic {
		return FamilyOpenAI
	}
	return FamilyAnthropic
}

// CommandCritic pipes the request as JSON to a command and decodes a
// CriticReport from its stdout.
type CommandCritic struct {
	Command string
}

func (c CommandCritic) Review(ctx context.Context, req CriticRequest) (CriticReport, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return CriticReport{}, fmt.Errorf("critic review %s: %w", req.TaskID, err)
	}
	out, err := shell.Run(ctx, shell.Command{
		Line:  c.Command,
		Stdin: payload,
		Env:   []string{"DARKFACTORY_CRITIC_FAMILY=" + req.Family},
	})
	if err != nil {
		return CriticReport{}, fmt.Errorf("critic review %s: %w", req.TaskID, err)
	}
	var rep CriticReport
	if err := json.Unmarshal(out.Stdout, &rep); err != nil {
		return CriticReport{}, fmt.Errorf("critic review %s: decode report: %w", req.TaskID, err)
	}
	switch rep.Recommendation {
	case RecommendPass, RecommendRevise, RecommendReject:
	default:
		return CriticReport{}, fmt.Errorf("critic review %s: unknown recommendation %q", req.TaskID, rep.Recommendation)
	}
	return rep, nil
}

func criticFindings(rep CriticReport) []Finding {
	findings := make([]Finding, 0, len(rep.Issues))
	for _, is := range rep.Issues {
		sev := SeverityInfo
		switch is.Severity {
		case "medium":
			sev = SeverityWarning
		case "high":
			sev = SeverityError
		}
		msg := is.Description
		if is.Category != "" {
			msg = is.Category + ": " + msg
		}
		findings = append(findings, Finding{Severity: sev, Message: msg, File: is.File, Line: is.Line})
	}
	return findings
}
