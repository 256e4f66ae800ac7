package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaEnforcer_WithinLimits(t *testing.T) {
	q := NewQuotaEnforcer(1.0, 1000)

	require.NoError(t, q.Charge(400, 0.25))
	require.NoError(t, q.Charge(600, 0.75))

	tokens, cost := q.Current()
	assert.Equal(t, int64(1000), tokens)
	assert.InDelta(t, 1.0, cost, 1e-9)
}

func TestQuotaEnforcer_CostTripsOnce(t *testing.T) {
	q := NewQuotaEnforcer(1.0, 0)

	err := q.Charge(10, 1.5)
	require.Error(t, err)
	limits := Exceeded(err)
	require.Len(t, limits, 1)
	assert.Equal(t, ResourceCost, limits[0].Resource)
	assert.InDelta(t, 1.5, limits[0].Used, 1e-9)
	assert.Contains(t, err.Error(), "cost limit exceeded")

	assert.NoError(t, q.Charge(10, 5), "an already tripped limit is not reported again")
}

func TestQuotaEnforcer_BothLimits(t *testing.T) {
	q := NewQuotaEnforcer(0.5, 100)

	limits := Exceeded(q.Charge(101, 0.6))
	require.Len(t, limits, 2)
	assert.Equal(t, ResourceCost, limits[0].Resource)
	assert.Equal(t, ResourceTokens, limits[1].Resource)
	assert.Equal(t, "token limit exceeded: 101 > 100", limits[1].Error())
}

func TestQuotaEnforcer_ZeroIsUnlimited(t *testing.T) {
	q := NewQuotaEnforcer(0, 0)
	assert.NoError(t, q.Charge(1<<40, 1e9))
	assert.Empty(t, Exceeded(nil))
}
