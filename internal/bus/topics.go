package bus

import "fmt"

// Task lifecycle statuses used as the last topic segment of task topics.
const (
	TaskSubmitted = "submitted"
	TaskWorking   = "working"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Event types carried in Envelope.Type and mirrored in the ledger.
const (
	EventRunStarted       = "run.started"
	EventRunPaused        = "run.paused"
	EventRunResumed       = "run.resumed"
	EventRunCompleted     = "run.completed"
	EventRunFailed        = "run.failed"
	EventDepthSelected    = "run.depth.selected"
	EventTaskSubmitted    = "task.submitted"
	EventTaskWorking      = "task.working"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskValidated    = "task.validated"
	EventTaskRejected     = "task.rejected"
	EventTaskRetry        = "task.retry.scheduled"
	EventTaskSkipped      = "task.skipped"
	EventTaskAbandoned    = "task.abandoned"
	EventContextUpdated   = "context.updated"
	EventEntropyAlert     = "entropy.alert"
	EventConvergenceStart = "convergence.started"
	EventConvergenceDone  = "convergence.completed"
	EventBeliefConflicts  = "beliefs.conflicts"
	EventMemoryBriefed    = "memory.briefed"
	EventMemoryDebriefed  = "memory.debriefed"
)

// TaskTopic is task.{runId}.{status}.
func TaskTopic(runID, status string) string {
	return fmt.Sprintf("task.%s.%s", runID, status)
}

// ValidationTopic is validation.{taskId}.{gate}.
func ValidationTopic(taskID, gate string) string {
	return fmt.Sprintf("validation.%s.%s", taskID, gate)
}

// ContextTopic is context.{runId}.updated.
func ContextTopic(runID string) string {
	return fmt.Sprintf("context.%s.updated", runID)
}

// AlgedonicTopic is algedonic.{runId}.{severity}.
func AlgedonicTopic(runID, severity string) string {
	return fmt.Sprintf("algedonic.%s.%s", runID, severity)
}

// EntropyTopic is entropy.{runId}.alert.
func EntropyTopic(runID string) string {
	return fmt.Sprintf("entropy.%s.alert", runID)
}

// ValidationEventType is validation.{gate}.passed or validation.{gate}.failed.
func ValidationEventType(gate string, passed bool) string {
	if passed {
		return fmt.Sprintf("validation.%s.passed", gate)
	}
	return fmt.Sprintf("validation.%s.failed", gate)
}

// AlgedonicEventType is algedonic.{severity}.
func AlgedonicEventType(severity string) string {
	return "algedonic." + severity
}

// RunTopics lists every topic a run publishes on for the given statuses and
// severities, so a run can tear down its subscriptions in one call.
func RunTopics(runID string, severities []string) []string {
	topics := []string{
		TaskTopic(runID, TaskSubmitted),
		TaskTopic(runID, TaskWorking),
		TaskTopic(runID, TaskCompleted),
		TaskTopic(runID, TaskFailed),
		ContextTopic(runID),
		EntropyTopic(runID),
	}
	for _, s := range severities {
		topics = append(topics, AlgedonicTopic(runID, s))
	}
	return topics
}
