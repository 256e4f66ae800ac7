package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/darkfactory/internal/workflow"
)

func TestRetryDefaults_Delay(t *testing.T) {
	d := RetryDefaults{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	tests := []struct {
		backoff workflow.Backoff
		attempt int
		want    time.Duration
	}{
		{workflow.BackoffFixed, 1, time.Second},
		{workflow.BackoffFixed, 4, time.Second},
		{workflow.BackoffLinear, 1, time.Second},
		{workflow.BackoffLinear, 3, 3 * time.Second},
		{workflow.BackoffExponential, 1, time.Second},
		{workflow.BackoffExponential, 2, 2 * time.Second},
		{workflow.BackoffExponential, 4, 8 * time.Second},
		{workflow.BackoffExponential, 5, 10 * time.Second},
		{workflow.BackoffExponential, 80, 10 * time.Second},
		{workflow.BackoffLinear, 20, 10 * time.Second},
		{workflow.BackoffExponential, 0, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.Delay(tt.backoff, tt.attempt), "%s attempt %d", tt.backoff, tt.attempt)
	}
}

func TestRetryDefaults_PolicyFor(t *testing.T) {
	d := RetryDefaults{MaxAttempts: 3, Backoff: workflow.BackoffExponential}

	p := d.policyFor(workflow.Movement{Name: "a"})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, workflow.BackoffExponential, p.Backoff)

	p = d.policyFor(workflow.Movement{Name: "b", Retry: &workflow.RetryPolicy{MaxAttempts: 5, Backoff: workflow.BackoffFixed}})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, workflow.BackoffFixed, p.Backoff)

	p = RetryDefaults{}.policyFor(workflow.Movement{Name: "c"})
	assert.Equal(t, 1, p.MaxAttempts)
}
