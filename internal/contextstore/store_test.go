package contextstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/darkfactory/internal/bus"
	"github.com/roach88/darkfactory/internal/index"
	"github.com/roach88/darkfactory/internal/ledger"
	"github.com/roach88/darkfactory/internal/memory"
	"github.com/roach88/darkfactory/internal/workflow"
)

func openLedger(t *testing.T, runs ...string) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	for _, id := range runs {
		_, err := l.CreateRun(context.Background(), id, "src")
		require.NoError(t, err)
	}
	return l
}

func decode(t *testing.T, r Resolved) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Content), &out))
	return out
}

func seeded() *Store {
	s := New("run-1", nil)
	s.SetProjectInfo("language", "go")
	s.AddConvention("wrap errors with context")
	s.SeedMemories([]memory.Note{{Content: "API uses chi"}})
	s.SetFile("api.go", File{Purpose: "routes"})
	s.SetFile("db.go", File{Purpose: "storage"})
	s.SetObjective("implement", "add rate limiting", []string{"api.go"})
	return s
}

func TestResolve_Strategies(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	full, err := s.Resolve(ctx, workflow.ContextFull, "implement", []string{"api.go"})
	require.NoError(t, err)
	v := decode(t, full)
	assert.Contains(t, v, "global")
	assert.Contains(t, v, "task")
	files := v["files"].(map[string]any)
	assert.Len(t, files, 1)
	assert.Contains(t, files, "api.go")

	all, err := s.Resolve(ctx, workflow.ContextFull, "implement", nil)
	require.NoError(t, err)
	assert.Len(t, decode(t, all)["files"], 2)

	sum, err := s.Resolve(ctx, workflow.ContextSummary, "implement", nil)
	require.NoError(t, err)
	v = decode(t, sum)
	assert.Contains(t, v, "task")
	assert.NotContains(t, v, "files")

	minimal, err := s.Resolve(ctx, workflow.ContextMinimal, "implement", nil)
	require.NoError(t, err)
	v = decode(t, minimal)
	assert.Equal(t, []string{"global"}, keys(v))
	global := v["global"].(map[string]any)
	assert.Equal(t, []any{"API uses chi"}, global["memorySeeds"])
	assert.Equal(t, EstimateTokens(minimal.Content), minimal.TokenEstimate)
	assert.Less(t, minimal.TokenEstimate, full.TokenEstimate)

	_, err = s.Resolve(ctx, "psychic", "implement", nil)
	assert.Error(t, err)
}

func keys(m map[string]any) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestResolve_TruncatesToBudget(t *testing.T) {
	s := New("run-1", nil)
	s.AddConvention(strings.Repeat("x", BudgetMinimal*8))

	r, err := s.Resolve(context.Background(), workflow.ContextMinimal, "m", nil)
	require.NoError(t, err)
	assert.True(t, r.Truncated)
	assert.Equal(t, BudgetMinimal, r.TokenEstimate)
}

func TestResolve_IndexedUsesNeighborhood(t *testing.T) {
	g := index.NewGraph()
	g.AddSymbol(index.Symbol{Name: "api.Serve", Kind: "func", File: "api.go", Line: 3})
	g.AddSymbol(index.Symbol{Name: "api.route", Kind: "func", File: "api.go", Line: 9})
	g.AddSymbol(index.Symbol{Name: "db.Open", Kind: "func", File: "db.go", Line: 1})
	g.AddCall("api.Serve", "api.route")
	g.AddCall("api.route", "db.Open")

	s := New("run-1", nil, WithIndex(g))
	s.SetIndexOverview("two packages")
	r, err := s.Resolve(context.Background(), workflow.ContextIndexed, "m", []string{"api.go"})
	require.NoError(t, err)

	var v indexedView
	require.NoError(t, json.Unmarshal([]byte(r.Content), &v))
	assert.Equal(t, "two packages", v.IndexOverview)
	assert.Equal(t, []string{"api.route"}, v.Symbols["api.Serve"])
	assert.ElementsMatch(t, []string{"api.Serve", "db.Open"}, v.Symbols["api.route"])
}

func TestRecordOutcome_PublishesUpdate(t *testing.T) {
	b := bus.New()
	s := New("run-1", b)

	var got []Update
	b.Subscribe(bus.ContextTopic("run-1"), func(env bus.Envelope) {
		u, err := bus.Decode[Update](env)
		assert.NoError(t, err)
		assert.Equal(t, bus.EventContextUpdated, env.Type)
		got = append(got, u)
	})

	s.RecordOutcome(Update{Movement: "implement", TaskID: "t1", Status: "completed", Files: []string{"api.go"}}, []string{"added limiter"})
	s.RecordRetry("implement", "L1 failed")

	require.Len(t, got, 1)
	assert.Equal(t, "run-1", got[0].RunID)
	assert.Equal(t, "t1", got[0].TaskID)

	task, ok := s.Task("implement")
	require.True(t, ok)
	assert.Equal(t, []string{"added limiter"}, task.PriorFindings)
	assert.Equal(t, []string{"L1 failed"}, task.RetryHistory)

	f, ok := s.File("api.go")
	require.True(t, ok)
	assert.Equal(t, []string{"implement: completed"}, f.ChangeHistory)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := seeded()
	g := s.Global()
	g.Conventions[0] = "changed"
	g.ProjectInfo["language"] = "rust"
	assert.Equal(t, "wrap errors with context", s.Global().Conventions[0])
	assert.Equal(t, "go", s.Global().ProjectInfo["language"])
}

func TestCacheSummary_InvalidatesAndCountsStability(t *testing.T) {
	l := openLedger(t, "run-1", "run-2")
	ctx := context.Background()

	first := New("run-1", nil, WithSummaries(l))
	a, err := first.CacheSummary(ctx, ledger.ScopeDetail, "api.go", "package api // v1", "routes")
	require.NoError(t, err)
	again, err := first.CacheSummary(ctx, ledger.ScopeDetail, "api.go", "package api // v1", "routes")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	second := New("run-2", nil, WithSummaries(l))
	_, err = second.CacheSummary(ctx, ledger.ScopeDetail, "api.go", "package api // v1", "routes")
	require.NoError(t, err)

	promotable, err := l.PromotableSummaries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, promotable, 1)
	assert.Equal(t, a.ID, promotable[0].ID)

	// Changed content replaces the summary within the run.
	b, err := first.CacheSummary(ctx, ledger.ScopeDetail, "api.go", "package api // v2", "routes and limiter")
	require.NoError(t, err)
	active, err := l.ActiveSummaries(ctx, "run-1", ledger.ScopeDetail)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	r, err := first.Resolve(ctx, workflow.ContextSummary, "m", []string{"api.go"})
	require.NoError(t, err)
	assert.Contains(t, r.Content, "routes and limiter")

	require.NoError(t, first.InvalidatePath(ctx, "api.go"))
	active, err = l.ActiveSummaries(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCacheSummary_RequiresLedger(t *testing.T) {
	_, err := New("run-1", nil).CacheSummary(context.Background(), ledger.ScopeOverview, "", "x", "y")
	assert.Error(t, err)
}
