package complexity

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectDepth(t *testing.T) {
	tests := []struct {
		name string
		m    Metrics
		want Depth
	}{
		{"tiny project", Metrics{TotalLOC: 100}, DepthSingle},
		{"just under single", Metrics{TotalLOC: 499}, DepthSingle},
		{"single boundary", Metrics{TotalLOC: 500}, DepthTwoTier},
		{"medium project", Metrics{TotalLOC: 3000}, DepthTwoTier},
		{"two-tier boundary", Metrics{TotalLOC: 5000}, DepthFull},
		{"dense coupling escalates", Metrics{TotalLOC: 100, FanOut: 25}, DepthTwoTier},
		{"fan-out 20 is not dense", Metrics{TotalLOC: 100, FanOut: 20}, DepthSingle},
		{"very dense coupling", Metrics{TotalLOC: 3100, FanOut: 51}, DepthFull},
		{"churn escalates", Metrics{TotalLOC: 100, ChurnScore: 0.6}, DepthTwoTier},
		{"churn 0.5 is not high", Metrics{TotalLOC: 100, ChurnScore: 0.5}, DepthSingle},
		{"both penalties", Metrics{TotalLOC: 2000, FanOut: 60, ChurnScore: 0.9}, DepthFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectDepth(tt.m))
		})
	}
}

func TestEffective(t *testing.T) {
	assert.Equal(t, 100+500+1000, Metrics{TotalLOC: 100, FanOut: 21, ChurnScore: 0.51}.Effective())
	assert.Equal(t, 100+2000, Metrics{TotalLOC: 100, FanOut: 51}.Effective())
}

func TestResolve(t *testing.T) {
	d, err := Resolve("auto", Metrics{TotalLOC: 10})
	require.NoError(t, err)
	assert.Equal(t, DepthSingle, d)

	d, err = Resolve("", Metrics{TotalLOC: 10_000})
	require.NoError(t, err)
	assert.Equal(t, DepthFull, d)

	d, err = Resolve("two-tier", Metrics{TotalLOC: 10})
	require.NoError(t, err)
	assert.Equal(t, DepthTwoTier, d)

	_, err = Resolve("deep", Metrics{})
	assert.Error(t, err)
}

func TestParallelism(t *testing.T) {
	assert.Equal(t, 1, Parallelism(DepthSingle, 8))
	assert.Equal(t, 4, Parallelism(DepthTwoTier, 8))
	assert.Equal(t, 1, Parallelism(DepthTwoTier, 1))
	assert.Equal(t, 8, Parallelism(DepthFull, 8))
	assert.Equal(t, 1, Parallelism(DepthFull, 0))
}

func TestCountLines(t *testing.T) {
	fsys := fstest.MapFS{
		"main.go": {Data: []byte(`package main

// comment
import "fmt"

/*
block comment
*/
func main() {
	fmt.Println("hi") // trailing comments still count
}
`)},
		"tool.py":                 {Data: []byte("# header\n\nprint('x')\nprint('y')\n")},
		"README.md":               {Data: []byte("# not code\ntext\n")},
		"vendor/dep/dep.go":       {Data: []byte("package dep\nvar X = 1\n")},
		"node_modules/m/index.js": {Data: []byte("module.exports = 1\n")},
		"pkg/inline.go":           {Data: []byte("package pkg\n/* one-line block */\nvar Y = 2\n")},
	}

	n, err := CountLines(fsys)
	require.NoError(t, err)
	// main.go: package, import, func, Println, closing brace = 5
	// tool.py: 2
	// pkg/inline.go: package, var = 2
	assert.Equal(t, 9, n)
}
