package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/darkfactory/internal/complexity"
)

func TestPlanCommand_TableGolden(t *testing.T) {
	out, _, err := execute(t, "plan", "--workflow", "testdata/feature.yaml", "--depth", "full")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "plan_table", []byte(out))
}

func TestPlanCommand_JSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "plan", "--workflow", "testdata/feature.yaml", "--depth", "two-tier")
	require.NoError(t, err)

	var view planView
	decodeData(t, out, &view)
	assert.Equal(t, "add-rate-limiter", view.Workflow)
	assert.Equal(t, complexity.DepthTwoTier, view.Depth)
	assert.Equal(t, 2, view.Parallelism)
	require.Len(t, view.Movements, 4)
	assert.Equal(t, "verify", view.Movements[3].Name)
	assert.Equal(t, []string{"implement"}, view.Movements[3].DependsOn)
	assert.Empty(t, view.Movements[0].DependsOn)
}

func TestPlanCommand_AutoDepthUsesConfiguredMetrics(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "darkfactory.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("metrics:\n  loc: 80000\n  fan_out: 12\n"), 0o644))

	out, _, err := execute(t, "--format", "json", "--config", cfgPath, "plan", "--workflow", "testdata/feature.yaml")
	require.NoError(t, err)

	var view planView
	decodeData(t, out, &view)
	assert.Equal(t, 80000, view.Metrics.TotalLOC)
	assert.Equal(t, complexity.SelectDepth(view.Metrics), view.Depth)
}

func TestPlanCommand_SpecTokens(t *testing.T) {
	spec := filepath.Join(t.TempDir(), "spec.md")
	require.NoError(t, os.WriteFile(spec, []byte("Limit each tenant to 100 requests per second with bursts of 20."), 0o644))

	out, _, err := execute(t, "plan", "--workflow", "testdata/feature.yaml", "--spec", spec)
	require.NoError(t, err)
	assert.Contains(t, out, "spec: "+spec+" (~")
	assert.Contains(t, out, "tokens)")
}

func TestPlanCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing workflow flag", []string{"plan"}, "--workflow is required"},
		{"missing file", []string{"plan", "--workflow", "testdata/absent.yaml"}, "load workflow"},
		{"cyclic workflow", []string{"plan", "--workflow", "testdata/cycle.yaml"}, "cycle detected"},
		{"bad depth", []string{"plan", "--workflow", "testdata/feature.yaml", "--depth", "deep"}, "depth"},
		{"missing spec", []string{"plan", "--workflow", "testdata/feature.yaml", "--spec", "testdata/absent.md"}, "read spec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitUsage, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
