// Package algedonic implements the emergency escalation channel of a run.
//
// Signals travel on algedonic.{run}.{severity}. Wire subscribes to all five
// severity topics and turns each signal into an Action through a Handler.
// Whatever the handler decides, a fatal signal always yields ActionShutdown.
package algedonic

import (
	"fmt"
	"log/slog"

	"github.com/roach88/darkfactory/internal/bus"
)

// Severity orders signals from informational to fatal.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Severities lists every severity in escalation order.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical, SeverityFatal}

// Trigger names the condition that raised a signal. The set is closed.
type Trigger string

const (
	TriggerCostLimit         Trigger = "cost-limit"
	TriggerSecurityViolation Trigger = "security-violation"
	TriggerRetryLoop         Trigger = "retry-loop"
	TriggerScoreCollapse     Trigger = "score-collapse"
	TriggerEntropySpike      Trigger = "entropy-spike"
	TriggerTokenExhaustion   Trigger = "token-exhaustion"
)

var triggers = map[Trigger]bool{
	TriggerCostLimit:         true,
	TriggerSecurityViolation: true,
	TriggerRetryLoop:         true,
	TriggerScoreCollapse:     true,
	TriggerEntropySpike:      true,
	TriggerTokenExhaustion:   true,
}

// ValidTrigger reports whether t is one of the known triggers.
func ValidTrigger(t Trigger) bool { return triggers[t] }

// Signal is the payload of an algedonic envelope.
type Signal struct {
	RunID    string         `json:"runId"`
	Severity Severity       `json:"severity"`
	Trigger  Trigger        `json:"trigger"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// ActionKind is what the run should do in response to a signal.
type ActionKind string

const (
	ActionContinue ActionKind = "continue"
	ActionPause    ActionKind = "pause"
	ActionShutdown ActionKind = "shutdown"
)

// Action is a handler decision. Reason is empty for ActionContinue.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Reason string     `json:"reason,omitempty"`
}

// Handler maps a signal to an action.
type Handler interface {
	Handle(Signal) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Signal) Action

func (f HandlerFunc) Handle(s Signal) Action { return f(s) }

// DefaultHandler continues on info and warning, pauses on error and
// critical, and shuts down on fatal.
type DefaultHandler struct{}

func (DefaultHandler) Handle(s Signal) Action {
	switch s.Severity {
	case SeverityError, SeverityCritical:
		return Action{Kind: ActionPause, Reason: s.Message}
	case SeverityFatal:
		return Action{Kind: ActionShutdown, Reason: s.Message}
	default:
		return Action{Kind: ActionContinue}
	}
}

// Sink receives every signal together with the action decided for it.
type Sink func(Signal, Action)

// Wire subscribes h to every severity topic of runID and forwards decisions
// to sink. Call it before any other subscriber of the run so the channel is
// served first. The returned function removes all five subscriptions.
func Wire(b *bus.Bus, runID string, h Handler, sink Sink) (unwire func()) {
	if h == nil {
		h = DefaultHandler{}
	}
	unsubs := make([]func(), 0, len(Severities))
	for _, sev := range Severities {
		unsubs = append(unsubs, b.Subscribe(bus.AlgedonicTopic(runID, string(sev)), func(env bus.Envelope) {
			sig, err := bus.Decode[Signal](env)
			if err != nil {
				slog.Error("bad algedonic signal payload", "run", runID, "severity", sev, "error", err)
				return
			}
			// The topic is authoritative for severity.
			sig.Severity = sev
			act := decide(h, sig)
			if sink != nil {
				sink(sig, act)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func decide(h Handler, sig Signal) Action {
	act := h.Handle(sig)
	if sig.Severity == SeverityFatal && act.Kind != ActionShutdown {
		reason := act.Reason
		if reason == "" {
			reason = sig.Message
		}
		return Action{Kind: ActionShutdown, Reason: reason}
	}
	switch act.Kind {
	case ActionContinue, ActionPause, ActionShutdown:
		return act
	}
	return Action{Kind: ActionContinue}
}

// Emit publishes a signal on the run's severity topic.
func Emit(b *bus.Bus, runID string, sev Severity, trig Trigger, message string, details map[string]any) Signal {
	sig := Signal{RunID: runID, Severity: sev, Trigger: trig, Message: message, Details: details}
	topic := bus.AlgedonicTopic(runID, string(sev))
	b.Publish(topic, bus.NewEnvelope(fmt.Sprintf("algedonic/%s", runID), bus.AlgedonicEventType(string(sev)), sig))
	return sig
}

// SeverityStrings is Severities as plain strings, for bus.RunTopics.
func SeverityStrings() []string {
	out := make([]string, len(Severities))
	for i, s := range Severities {
		out[i] = string(s)
	}
	return out
}
