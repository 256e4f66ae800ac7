package algedonic

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/darkfactory/internal/bus"
)

type decision struct {
	sig Signal
	act Action
}

func collect(t *testing.T, b *bus.Bus, runID string, h Handler) (*[]decision, func()) {
	t.Helper()
	var got []decision
	unwire := Wire(b, runID, h, func(s Signal, a Action) {
		got = append(got, decision{s, a})
	})
	return &got, unwire
}

func TestDefaultHandler_SeverityMapping(t *testing.T) {
	tests := []struct {
		sev  Severity
		want ActionKind
	}{
		{SeverityInfo, ActionContinue},
		{SeverityWarning, ActionContinue},
		{SeverityError, ActionPause},
		{SeverityCritical, ActionPause},
		{SeverityFatal, ActionShutdown},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			act := DefaultHandler{}.Handle(Signal{Severity: tt.sev, Message: "boom"})
			assert.Equal(t, tt.want, act.Kind)
			if tt.want != ActionContinue {
				assert.Equal(t, "boom", act.Reason)
			}
		})
	}
}

func TestWire_DeliversEverySeverity(t *testing.T) {
	b := bus.New()
	got, unwire := collect(t, b, "run-1", nil)
	defer unwire()

	for _, sev := range Severities {
		Emit(b, "run-1", sev, TriggerEntropySpike, "msg "+string(sev), nil)
	}
	require.Len(t, *got, 5)
	assert.Equal(t, ActionContinue, (*got)[0].act.Kind)
	assert.Equal(t, ActionPause, (*got)[2].act.Kind)
	assert.Equal(t, ActionShutdown, (*got)[4].act.Kind)
	assert.Equal(t, TriggerEntropySpike, (*got)[4].sig.Trigger)
	assert.Equal(t, "run-1", (*got)[4].sig.RunID)
}

func TestWire_IgnoresOtherRuns(t *testing.T) {
	b := bus.New()
	got, unwire := collect(t, b, "run-1", nil)
	defer unwire()

	Emit(b, "run-2", SeverityFatal, TriggerCostLimit, "not mine", nil)
	assert.Empty(t, *got)
}

func TestWire_FatalIsNeverDowngraded(t *testing.T) {
	b := bus.New()
	lenient := HandlerFunc(func(Signal) Action { return Action{Kind: ActionContinue} })
	got, unwire := collect(t, b, "run-1", lenient)
	defer unwire()

	Emit(b, "run-1", SeverityWarning, TriggerRetryLoop, "w", nil)
	Emit(b, "run-1", SeverityFatal, TriggerCostLimit, "over budget", nil)

	require.Len(t, *got, 2)
	assert.Equal(t, ActionContinue, (*got)[0].act.Kind)
	assert.Equal(t, Action{Kind: ActionShutdown, Reason: "over budget"}, (*got)[1].act)
}

func TestWire_CustomHandlerMayEscalate(t *testing.T) {
	b := bus.New()
	strict := HandlerFunc(func(s Signal) Action {
		if s.Trigger == TriggerSecurityViolation {
			return Action{Kind: ActionShutdown, Reason: "secret leaked"}
		}
		return DefaultHandler{}.Handle(s)
	})
	got, unwire := collect(t, b, "run-1", strict)
	defer unwire()

	Emit(b, "run-1", SeverityCritical, TriggerSecurityViolation, "aws key", map[string]any{"file": "a.go"})
	require.Len(t, *got, 1)
	assert.Equal(t, ActionShutdown, (*got)[0].act.Kind)
	assert.Equal(t, "a.go", (*got)[0].sig.Details["file"])
}

func TestWire_UnknownActionBecomesContinue(t *testing.T) {
	b := bus.New()
	odd := HandlerFunc(func(Signal) Action { return Action{Kind: "explode"} })
	got, unwire := collect(t, b, "run-1", odd)
	defer unwire()

	Emit(b, "run-1", SeverityError, TriggerScoreCollapse, "x", nil)
	require.Len(t, *got, 1)
	assert.Equal(t, ActionContinue, (*got)[0].act.Kind)
}

func TestWire_LogsUndecodablePayload(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	b := bus.New()
	got, unwire := collect(t, b, "run-1", nil)
	defer unwire()

	b.Publish(bus.AlgedonicTopic("run-1", string(SeverityFatal)),
		bus.NewEnvelope("test", "algedonic.fatal", "not a signal"))
	assert.Empty(t, *got)
	assert.Contains(t, logs.String(), "bad algedonic signal payload")
	assert.Contains(t, logs.String(), "run=run-1")
}

func TestWire_UnwireRemovesAllSubscriptions(t *testing.T) {
	b := bus.New()
	_, unwire := collect(t, b, "run-1", nil)
	for _, sev := range Severities {
		assert.Equal(t, 1, b.SubscriberCount(bus.AlgedonicTopic("run-1", string(sev))))
	}
	unwire()
	for _, sev := range Severities {
		assert.Equal(t, 0, b.SubscriberCount(bus.AlgedonicTopic("run-1", string(sev))))
	}
}

func TestWire_IsServedBeforeLaterSubscribers(t *testing.T) {
	b := bus.New()
	var order []string
	unwire := Wire(b, "run-1", nil, func(Signal, Action) { order = append(order, "algedonic") })
	defer unwire()
	b.Subscribe(bus.AlgedonicTopic("run-1", "fatal"), func(bus.Envelope) { order = append(order, "observer") })

	Emit(b, "run-1", SeverityFatal, TriggerTokenExhaustion, "out of tokens", nil)
	assert.Equal(t, []string{"algedonic", "observer"}, order)
}

func TestEmit_EnvelopeShape(t *testing.T) {
	b := bus.New()
	var env bus.Envelope
	b.Subscribe(bus.AlgedonicTopic("run-9", "error"), func(e bus.Envelope) { env = e })

	sig := Emit(b, "run-9", SeverityError, TriggerEntropySpike, "too many alerts", nil)
	assert.Equal(t, "algedonic/run-9", env.Source)
	assert.Equal(t, "algedonic.error", env.Type)
	assert.Equal(t, sig, env.Data)
}

func TestValidTrigger(t *testing.T) {
	assert.True(t, ValidTrigger(TriggerCostLimit))
	assert.False(t, ValidTrigger("meteor-strike"))
	assert.Equal(t, []string{"info", "warning", "error", "critical", "fatal"}, SeverityStrings())
}
