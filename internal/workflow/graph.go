package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// Plan is a validated Piece together with its dependency structure and a
// deterministic topological order.
type Plan struct {
	Piece  *Piece
	Order  []string
	Source string

	movements  map[string]int
	personas   map[string]int
	deps       map[string][]string
	dependents map[string][]string
	position   map[string]int
}

// NewPlan indexes an already structurally valid piece and sorts it.
// It fails with a W301 ParseError when the edges contain a cycle.
func NewPlan(p *Piece) (*Plan, error) {
	plan := &Plan{
		Piece:      p,
		movements:  make(map[string]int, len(p.Movements)),
		personas:   make(map[string]int, len(p.Personas)),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		position:   make(map[string]int),
	}
	for i, m := range p.Movements {
		plan.movements[m.Name] = i
	}
	for i, persona := range p.Personas {
		plan.personas[persona.Name] = i
	}
	for _, e := range p.Edges {
		if !slices.Contains(plan.deps[e.To], e.From) {
			plan.deps[e.To] = append(plan.deps[e.To], e.From)
		}
		if !slices.Contains(plan.dependents[e.From], e.To) {
			plan.dependents[e.From] = append(plan.dependents[e.From], e.To)
		}
	}

	order, ok := plan.kahn()
	if !ok {
		return nil, &ParseError{Errors: plan.cycleErrors()}
	}
	plan.Order = order
	for i, name := range order {
		plan.position[name] = i
	}
	return plan, nil
}

// kahn performs Kahn's algorithm. The queue is seeded with zero in-degree
// movements in declaration order and successors are visited in edge
// declaration order, so the result is stable for a given document.
func (p *Plan) kahn() ([]string, bool) {
	indegree := make(map[string]int, len(p.movements))
	for _, m := range p.Piece.Movements {
		indegree[m.Name] = len(p.deps[m.Name])
	}

	var queue []string
	for _, m := range p.Piece.Movements {
		if indegree[m.Name] == 0 {
			queue = append(queue, m.Name)
		}
	}

	order := make([]string, 0, len(p.Piece.Movements))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range p.dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order, len(order) == len(p.Piece.Movements)
}

// cycleErrors names the movements of every cycle, found with Tarjan's
// strongly connected components.
func (p *Plan) cycleErrors() []FieldError {
	var errs []FieldError
	for _, scc := range p.stronglyConnected() {
		if len(scc) == 1 && !slices.Contains(p.dependents[scc[0]], scc[0]) {
			continue
		}
		path := p.cyclePath(scc)
		errs = append(errs, FieldError{
			Path:    "edges",
			Code:    ErrCycle,
			Message: fmt.Sprintf("cycle detected: %s", strings.Join(path, " -> ")),
		})
	}
	if len(errs) == 0 {
		errs = append(errs, FieldError{Path: "edges", Code: ErrCycle, Message: "cycle detected"})
	}
	return errs
}

func (p *Plan) stronglyConnected() [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var connect func(string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range p.dependents[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	// Declaration order keeps the reported cycles stable.
	for _, m := range p.Piece.Movements {
		if _, seen := indices[m.Name]; !seen {
			connect(m.Name)
		}
	}
	return sccs
}

// cyclePath walks one loop through an SCC, starting from its earliest
// declared member and returning to it.
func (p *Plan) cyclePath(scc []string) []string {
	members := make(map[string]bool, len(scc))
	start := scc[0]
	for _, name := range scc {
		members[name] = true
		if p.movements[name] < p.movements[start] {
			start = name
		}
	}

	var path []string
	visited := make(map[string]bool)
	var dfs func(string) bool
	dfs = func(v string) bool {
		path = append(path, v)
		visited[v] = true
		for _, w := range p.dependents[v] {
			if w == start {
				path = append(path, start)
				return true
			}
			if members[w] && !visited[w] && dfs(w) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	dfs(start)
	return path
}

// Movement looks up a movement by name.
func (p *Plan) Movement(name string) (Movement, bool) {
	i, ok := p.movements[name]
	if !ok {
		return Movement{}, false
	}
	return p.Piece.Movements[i], true
}

// Persona looks up a persona by name.
func (p *Plan) Persona(name string) (Persona, bool) {
	i, ok := p.personas[name]
	if !ok {
		return Persona{}, false
	}
	return p.Piece.Personas[i], true
}

// Dependencies lists the movements that must complete before name.
func (p *Plan) Dependencies(name string) []string {
	return slices.Clone(p.deps[name])
}

// Dependents lists the movements that wait on name.
func (p *Plan) Dependents(name string) []string {
	return slices.Clone(p.dependents[name])
}

// Position is the index of name in the topological order, or -1.
func (p *Plan) Position(name string) int {
	i, ok := p.position[name]
	if !ok {
		return -1
	}
	return i
}

// Ready returns, in topological order, every movement that is not in done
// or excluded and whose dependencies are all in done.
func (p *Plan) Ready(done, excluded map[string]bool) []string {
	var ready []string
	for _, name := range p.Order {
		if done[name] || excluded[name] {
			continue
		}
		ok := true
		for _, dep := range p.deps[name] {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// Downstream returns every movement reachable from name, in topological
// order, excluding name itself.
func (p *Plan) Downstream(name string) []string {
	reach := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, d := range p.dependents[n] {
			if !reach[d] {
				reach[d] = true
				walk(d)
			}
		}
	}
	walk(name)

	var out []string
	for _, n := range p.Order {
		if reach[n] {
			out = append(out, n)
		}
	}
	return out
}
