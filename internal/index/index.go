// Package index defines the semantic code index the orchestrator consults
// for the indexed context strategy, with an in-memory call graph and a Go
// source indexer that populates it.
package index

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// tokensPerSymbol is the rough prompt cost of including one symbol.
const tokensPerSymbol = 50

// QueryResult is a set of symbols with an estimate of their prompt cost.
type QueryResult struct {
	Symbols       []string `json:"symbols"`
	TokenEstimate int      `json:"tokenEstimate"`
}

// SemanticIndex answers structural questions about the code base.
type SemanticIndex interface {
	QueryNeighborhood(ctx context.Context, symbol string, maxHops int) ([]string, error)
	FindCallers(ctx context.Context, symbol string, maxDepth int) (QueryResult, error)
	FindCallees(ctx context.Context, symbol string, maxDepth int) (QueryResult, error)
	SymbolsInFile(ctx context.Context, file string) ([]string, error)
}

// Symbol is one declared name.
type Symbol struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	File string `json:"file"`
	Line int    `json:"line"`
}

// Stats summarises a graph.
type Stats struct {
	Files     int `json:"files"`
	Symbols   int `json:"symbols"`
	Edges     int `json:"edges"`
	MaxFanOut int `json:"maxFanOut"`
}

// Graph is an in-memory call graph. It is safe for concurrent use.
type Graph struct {
	mu      sync.RWMutex
	symbols map[string]Symbol
	callees map[string]map[string]bool
	callers map[string]map[string]bool
	files   map[string][]string
}

var _ SemanticIndex = (*Graph)(nil)

func NewGraph() *Graph {
	return &Graph{
		symbols: make(map[string]Symbol),
		callees: make(map[string]map[string]bool),
		callers: make(map[string]map[string]bool),
		files:   make(map[string][]string),
	}
}

func (g *Graph) AddSymbol(s Symbol) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.symbols[s.Name]; !ok && s.File != "" {
		g.files[s.File] = append(g.files[s.File], s.Name)
	}
	g.symbols[s.Name] = s
}

// AddCall records that from calls to. Self calls are ignored.
func (g *Graph) AddCall(from, to string) {
	if from == to {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	link(g.callees, from, to)
	link(g.callers, to, from)
}

func link(m map[string]map[string]bool, a, b string) {
	set, ok := m[a]
	if !ok {
		set = make(map[string]bool)
		m[a] = set
	}
	set[b] = true
}

// walk collects every node reachable within maxDepth hops over the given
// adjacency maps, excluding the start node.
func (g *Graph) walk(start string, maxDepth int, adj ...map[string]map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{start: true}
	frontier := []string{start}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, m := range adj {
				for n := range m[cur] {
					if !seen[n] {
						seen[n] = true
						next = append(next, n)
					}
				}
			}
		}
		frontier = next
	}
	delete(seen, start)
	return slices.Sorted(maps.Keys(seen))
}

// QueryNeighborhood returns symbols within maxHops calls in either
// direction.
func (g *Graph) QueryNeighborhood(_ context.Context, symbol string, maxHops int) ([]string, error) {
	return g.walk(symbol, maxHops, g.callers, g.callees), nil
}

func (g *Graph) FindCallers(_ context.Context, symbol string, maxDepth int) (QueryResult, error) {
	syms := g.walk(symbol, maxDepth, g.callers)
	return QueryResult{Symbols: syms, TokenEstimate: len(syms) * tokensPerSymbol}, nil
}

func (g *Graph) FindCallees(_ context.Context, symbol string, maxDepth int) (QueryResult, error) {
	syms := g.walk(symbol, maxDepth, g.callees)
	return QueryResult{Symbols: syms, TokenEstimate: len(syms) * tokensPerSymbol}, nil
}

// SymbolsInFile returns the symbols declared in file, sorted.
func (g *Graph) SymbolsInFile(_ context.Context, file string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Sorted(slices.Values(g.files[file])), nil
}

// Lookup returns a declared symbol.
func (g *Graph) Lookup(name string) (Symbol, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.symbols[name]
	return s, ok
}

// Stats counts files, symbols and call edges. MaxFanOut is the largest
// number of distinct files any single file calls into.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Stats{Files: len(g.files), Symbols: len(g.symbols)}
	fileDeps := make(map[string]map[string]bool)
	for from, tos := range g.callees {
		st.Edges += len(tos)
		src, ok := g.symbols[from]
		if !ok {
			continue
		}
		for to := range tos {
			dst, ok := g.symbols[to]
			if !ok || dst.File == src.File {
				continue
			}
			link(fileDeps, src.File, dst.File)
		}
	}
	for _, deps := range fileDeps {
		st.MaxFanOut = max(st.MaxFanOut, len(deps))
	}
	return st
}
