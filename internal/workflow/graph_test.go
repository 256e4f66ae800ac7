package workflow

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Plan {
	t.Helper()
	plan, err := ParseYAML([]byte(`
name: diamond
goal: g
personas: [{name: p, role: worker}]
movements:
  - {name: a, goal: g, assigned_to: p}
  - {name: b, goal: g, assigned_to: p}
  - {name: c, goal: g, assigned_to: p}
  - {name: d, goal: g, assigned_to: p}
  - {name: lone, goal: g, assigned_to: p}
edges:
  - {from: a, to: b}
  - {from: a, to: c}
  - {from: b, to: d}
  - {from: c, to: d}
`))
	require.NoError(t, err)
	return plan
}

func TestPlan_OrderRespectsEveryEdge(t *testing.T) {
	plan := diamond(t)
	assert.Equal(t, []string{"a", "lone", "b", "c", "d"}, plan.Order)

	for _, e := range plan.Piece.Edges {
		assert.Less(t, plan.Position(e.From), plan.Position(e.To), "%s before %s", e.From, e.To)
	}
	assert.Equal(t, -1, plan.Position("missing"))
}

func TestPlan_OrderIsDeterministic(t *testing.T) {
	first := diamond(t).Order
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, diamond(t).Order)
	}
}

func TestPlan_DependenciesAndDependents(t *testing.T) {
	plan := diamond(t)
	assert.Equal(t, []string{"b", "c"}, plan.Dependencies("d"))
	assert.Equal(t, []string{"b", "c"}, plan.Dependents("a"))
	assert.Empty(t, plan.Dependencies("a"))
	assert.Empty(t, plan.Dependents("lone"))
}

func TestPlan_Ready(t *testing.T) {
	plan := diamond(t)

	assert.Equal(t, []string{"a", "lone"}, plan.Ready(nil, nil))
	assert.Equal(t, []string{"lone", "b", "c"}, plan.Ready(map[string]bool{"a": true}, nil))
	assert.Equal(t, []string{"c"}, plan.Ready(
		map[string]bool{"a": true, "b": true, "lone": true},
		nil,
	))
	assert.Equal(t, []string{"d"}, plan.Ready(
		map[string]bool{"a": true, "b": true, "c": true, "lone": true},
		nil,
	))
	assert.Equal(t, []string{"lone", "c"}, plan.Ready(
		map[string]bool{"a": true},
		map[string]bool{"b": true},
	))
}

func TestPlan_Downstream(t *testing.T) {
	plan := diamond(t)
	assert.Equal(t, []string{"b", "c", "d"}, plan.Downstream("a"))
	assert.Equal(t, []string{"d"}, plan.Downstream("b"))
	assert.Empty(t, plan.Downstream("lone"))
}

func TestPlan_DuplicateEdgesCollapse(t *testing.T) {
	plan, err := ParseYAML([]byte(`
name: dup-edges
goal: g
personas: [{name: p, role: worker}]
movements:
  - {name: a, goal: g, assigned_to: p}
  - {name: b, goal: g, assigned_to: p}
edges:
  - {from: a, to: b}
  - {from: a, to: b, condition: "on success"}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, plan.Order)
	assert.Equal(t, []string{"a"}, plan.Dependencies("b"))
}

func TestPlan_LargeChain(t *testing.T) {
	src := "name: chain\ngoal: g\npersonas: [{name: p, role: worker}]\nmovements:\n"
	for i := 0; i < 50; i++ {
		src += fmt.Sprintf("  - {name: m%02d, goal: g, assigned_to: p}\n", i)
	}
	src += "edges:\n"
	// Declare edges in reverse so order does not follow declaration by accident.
	for i := 48; i >= 0; i-- {
		src += fmt.Sprintf("  - {from: m%02d, to: m%02d}\n", i, i+1)
	}
	plan, err := ParseYAML([]byte(src))
	require.NoError(t, err)
	require.Len(t, plan.Order, 50)
	for i, name := range plan.Order {
		assert.Equal(t, fmt.Sprintf("m%02d", i), name)
	}
}

// randomDAG builds a piece whose edges only point from a lower to a higher
// hidden rank. Movements are declared in shuffled order.
func randomDAG(rng *rand.Rand, n int, density float64) *Piece {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("m%02d", i)
	}
	var edges []Edge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rng.Float64() < density {
				edges = append(edges, Edge{From: names[i], To: names[j]})
			}
		}
	}
	rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	rng.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })

	p := &Piece{Name: "generated", Goal: "g", Personas: []Persona{{Name: "p", Role: RoleWorker}}, Edges: edges}
	for _, name := range names {
		p.Movements = append(p.Movements, Movement{Name: name, Goal: "g", AssignedTo: "p"})
	}
	return p
}

func TestPlan_GeneratedDAGsSortTopologically(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(25)
		piece := randomDAG(rng, n, rng.Float64()*0.5)

		plan, err := NewPlan(piece)
		require.NoError(t, err, "case %d", i)

		var declared []string
		for _, m := range piece.Movements {
			declared = append(declared, m.Name)
		}
		assert.ElementsMatch(t, declared, plan.Order, "case %d: order is a permutation", i)
		for _, e := range piece.Edges {
			assert.Less(t, plan.Position(e.From), plan.Position(e.To), "case %d: %s -> %s", i, e.From, e.To)
		}

		again, err := NewPlan(piece)
		require.NoError(t, err)
		assert.Equal(t, plan.Order, again.Order, "case %d: order is stable", i)
	}
}

func TestPlan_GeneratedBackEdgeIsCycle(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		piece := randomDAG(rng, 2+rng.Intn(20), 0.3)
		if len(piece.Edges) == 0 {
			continue
		}
		e := piece.Edges[rng.Intn(len(piece.Edges))]
		piece.Edges = append(slices.Clone(piece.Edges), Edge{From: e.To, To: e.From})

		_, err := NewPlan(piece)
		var pe *ParseError
		require.ErrorAs(t, err, &pe, "case %d", i)
		assert.True(t, pe.HasCode(ErrCycle), "case %d", i)
	}
}
