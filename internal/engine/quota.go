package engine

import (
	"errors"
	"fmt"
)

// Resource names a budgeted quantity.
type Resource string

const (
	ResourceCost   Resource = "cost"
	ResourceTokens Resource = "tokens"
)

// QuotaEnforcer accumulates a run's token and cost usage against optional
// limits. A zero limit is unlimited.
//
// Each limit trips at most once: Charge reports a limit only on the call
// that first takes usage past it, so the run raises one signal per limit.
// QuotaEnforcer is owned by the run loop and is not safe for concurrent use.
type QuotaEnforcer struct {
	costLimit  float64
	tokenLimit int64
	cost       float64
	tokens     int64
	tripped    map[Resource]bool
}

func NewQuotaEnforcer(costLimit float64, tokenLimit int64) *QuotaEnforcer {
	return &QuotaEnforcer{
		costLimit:  costLimit,
		tokenLimit: tokenLimit,
		tripped:    make(map[Resource]bool),
	}
}

// Charge adds usage and returns the limits that were exceeded for the first
// time, cost before tokens. The error is nil when no new limit tripped.
func (q *QuotaEnforcer) Charge(tokens int64, cost float64) error {
	q.tokens += tokens
	q.cost += cost

	var errs []error
	if q.costLimit > 0 && q.cost > q.costLimit && !q.tripped[ResourceCost] {
		q.tripped[ResourceCost] = true
		errs = append(errs, &LimitExceededError{Resource: ResourceCost, Used: q.cost, Limit: q.costLimit})
	}
	if q.tokenLimit > 0 && q.tokens > q.tokenLimit && !q.tripped[ResourceTokens] {
		q.tripped[ResourceTokens] = true
		errs = append(errs, &LimitExceededError{Resource: ResourceTokens, Used: float64(q.tokens), Limit: float64(q.tokenLimit)})
	}
	return errors.Join(errs...)
}

// Current returns the accumulated usage.
func (q *QuotaEnforcer) Current() (tokens int64, cost float64) {
	return q.tokens, q.cost
}

// LimitExceededError reports one budget limit crossed by a run.
type LimitExceededError struct {
	Resource Resource
	Used     float64
	Limit    float64
}

func (e *LimitExceededError) Error() string {
	if e.Resource == ResourceCost {
		return fmt.Sprintf("cost limit exceeded: $%.4f > $%.4f", e.Used, e.Limit)
	}
	return fmt.Sprintf("token limit exceeded: %.0f > %.0f", e.Used, e.Limit)
}

// Exceeded unpacks the limits reported by Charge.
func Exceeded(err error) []*LimitExceededError {
	if err == nil {
		return nil
	}
	var out []*LimitExceededError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Exceeded(e)...)
		}
		return out
	}
	var le *LimitExceededError
	if errors.As(err, &le) {
		out = append(out, le)
	}
	return out
}
