package engine

import (
	"time"

	"github.com/roach88/darkfactory/internal/workflow"
)

// RetryDefaults apply to movements without a retry policy and supply the
// delay scale for every policy.
type RetryDefaults struct {
	MaxAttempts int
	Backoff     workflow.Backoff
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// policyFor merges a movement's policy over the defaults.
func (d RetryDefaults) policyFor(m workflow.Movement) workflow.RetryPolicy {
	p := workflow.RetryPolicy{MaxAttempts: d.MaxAttempts, Backoff: d.Backoff}
	if m.Retry != nil {
		if m.Retry.MaxAttempts > 0 {
			p.MaxAttempts = m.Retry.MaxAttempts
		}
		if m.Retry.Backoff != "" {
			p.Backoff = m.Retry.Backoff
		}
		p.DegradationMode = m.Retry.DegradationMode
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// Delay is the wait before the attempt that follows failed attempt n
// (1-based): base for fixed, n*base for linear, 2^(n-1)*base for
// exponential. A positive max caps the result.
func (d RetryDefaults) Delay(b workflow.Backoff, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := d.BaseDelay
	switch b {
	case workflow.BackoffLinear:
		delay = d.BaseDelay * time.Duration(n)
	case workflow.BackoffExponential:
		for i := 1; i < n; i++ {
			delay *= 2
			if d.MaxDelay > 0 && delay >= d.MaxDelay {
				break
			}
		}
	}
	if d.MaxDelay > 0 && delay > d.MaxDelay {
		delay = d.MaxDelay
	}
	return delay
}
