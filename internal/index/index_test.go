package index

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain: a -> b -> c -> d, and x -> c
func chain() *Graph {
	g := NewGraph()
	for _, s := range []string{"a", "b", "c", "d", "x"} {
		g.AddSymbol(Symbol{Name: s, Kind: "func", File: s + ".go"})
	}
	g.AddCall("a", "b")
	g.AddCall("b", "c")
	g.AddCall("c", "d")
	g.AddCall("x", "c")
	g.AddCall("c", "c")
	return g
}

func TestGraph_FindCallees(t *testing.T) {
	g := chain()
	ctx := context.Background()

	r, err := g.FindCallees(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, r.Symbols)
	assert.Equal(t, 50, r.TokenEstimate)

	r, _ = g.FindCallees(ctx, "a", 3)
	assert.Equal(t, []string{"b", "c", "d"}, r.Symbols)

	r, _ = g.FindCallees(ctx, "d", 3)
	assert.Empty(t, r.Symbols)
}

func TestGraph_FindCallers(t *testing.T) {
	g := chain()
	r, err := g.FindCallers(context.Background(), "c", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "x"}, r.Symbols)
	assert.Equal(t, 150, r.TokenEstimate)
}

func TestGraph_QueryNeighborhood(t *testing.T) {
	g := chain()
	n, err := g.QueryNeighborhood(context.Background(), "b", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, n)

	n, _ = g.QueryNeighborhood(context.Background(), "b", 2)
	assert.Equal(t, []string{"a", "c", "d", "x"}, n)

	n, _ = g.QueryNeighborhood(context.Background(), "b", 0)
	assert.Empty(t, n)
}

func TestGraph_Stats(t *testing.T) {
	st := chain().Stats()
	assert.Equal(t, 5, st.Files)
	assert.Equal(t, 5, st.Symbols)
	assert.Equal(t, 4, st.Edges)
	assert.Equal(t, 1, st.MaxFanOut)
}

func TestBuildGo(t *testing.T) {
	fsys := fstest.MapFS{
		"api/server.go": {Data: []byte(`package api

import (
	"fmt"
	st "example.com/app/store"
)

type Server struct{}

func New() *Server { return &Server{} }

func (s *Server) Handle() {
	helper()
	st.Save()
	fmt.Println(len("x"))
}

func helper() {}
`)},
		"store/store.go": {Data: []byte(`package store

func Save() { flush() }

func flush() {}
`)},
		"vendor/x/x.go":     {Data: []byte("package x\nfunc Hidden() {}\n")},
		"README.md":         {Data: []byte("# readme")},
		"api/testdata/t.go": {Data: []byte("not go")},
	}

	g, err := BuildGo(fsys)
	require.NoError(t, err)

	s, ok := g.Lookup("api.Server.Handle")
	require.True(t, ok)
	assert.Equal(t, "method", s.Kind)
	assert.Equal(t, "api/server.go", s.File)
	assert.Equal(t, 12, s.Line)

	_, ok = g.Lookup("x.Hidden")
	assert.False(t, ok)

	ctx := context.Background()
	callees, _ := g.FindCallees(ctx, "api.Server.Handle", 2)
	assert.Equal(t, []string{"api.helper", "fmt.Println", "store.Save", "store.flush"}, callees.Symbols)

	syms, _ := g.SymbolsInFile(ctx, "store/store.go")
	assert.Equal(t, []string{"store.Save", "store.flush"}, syms)

	st := g.Stats()
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 1, st.MaxFanOut)
}

func TestBuildGo_ParseError(t *testing.T) {
	_, err := BuildGo(fstest.MapFS{"bad.go": {Data: []byte("package")}})
	assert.Error(t, err)
}
