package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingGraph(t *testing.T) {
	g := RingGraph(5, 1)
	assert.Equal(t, 5, g.Nodes)
	assert.Equal(t, 15, g.Edges.Len())
	require.NoError(t, g.Edges.Validate(g.Nodes))

	// Node 0 attends to 4, 0 and 1.
	assert.Equal(t, []int{0, 0, 0}, g.Edges.Rows[:3])
	assert.Equal(t, []int{4, 0, 1}, g.Edges.Cols[:3])

	// Neighbourhoods wider than the ring do not repeat nodes.
	small := RingGraph(2, 3)
	assert.Equal(t, 4, small.Edges.Len())
}

func TestBlockDiagonal(t *testing.T) {
	a := Graph{Nodes: 2, Edges: EdgeList{Rows: []int{0, 1}, Cols: []int{1, 0}, Bias: []float32{1, 2}}}
	b := Graph{Nodes: 3, Edges: EdgeList{Rows: []int{2}, Cols: []int{0}, Bias: []float32{3}}}

	merged, err := BlockDiagonal(a, b)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.Nodes)
	assert.Equal(t, []int{0, 1, 4}, merged.Edges.Rows)
	assert.Equal(t, []int{1, 0, 2}, merged.Edges.Cols)
	assert.Equal(t, []float32{1, 2, 3}, merged.Edges.Bias)
	require.NoError(t, merged.Edges.Validate(merged.Nodes))

	// Malformed graphs are reported, not indexed past their end.
	short := Graph{Nodes: 2, Edges: EdgeList{Rows: []int{0, 1}, Cols: []int{1}, Bias: []float32{0, 0}}}
	_, err = BlockDiagonal(a, short)
	assert.ErrorContains(t, err, "graph 1: edge list has 2 rows, 1 cols")

	outside := Graph{Nodes: 1, Edges: EdgeList{Rows: []int{0}, Cols: []int{1}, Bias: []float32{0}}}
	_, err = BlockDiagonal(outside)
	assert.ErrorContains(t, err, "out of range")
}

func TestEdgeListValidate(t *testing.T) {
	e := EdgeList{Rows: []int{0, 1}, Cols: []int{1}, Bias: []float32{0, 0}}
	assert.ErrorContains(t, e.Validate(2), "edge list has 2 rows, 1 cols")

	e = EdgeList{Rows: []int{0, 2}, Cols: []int{1, 0}, Bias: []float32{0, 0}}
	assert.ErrorContains(t, e.Validate(2), "out of range")

	bias := EdgeList{Rows: []int{0}, Cols: []int{0}, Bias: []float32{1.5}}.BiasTensor()
	assert.Equal(t, []int{1}, bias.Shape)
	assert.Equal(t, []float32{1.5}, bias.Data)
}

func TestLoadGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes: 3
edges:
  - {row: 0, col: 0, bias: 0}
  - {row: 0, col: 1, bias: -0.5}
  - {row: 2, col: 1, bias: 1.25}
`), 0o644))

	g, err := LoadGraph(path)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Nodes)
	assert.Equal(t, []int{0, 0, 2}, g.Edges.Rows)
	assert.Equal(t, []int{0, 1, 1}, g.Edges.Cols)
	assert.Equal(t, []float32{0, -0.5, 1.25}, g.Edges.Bias)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nodes: 2\nedges:\n  - {row: 0, col: 5}\n"), 0o644))
	_, err = LoadGraph(bad)
	assert.ErrorContains(t, err, "out of range")

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("edges: []\n"), 0o644))
	_, err = LoadGraph(empty)
	assert.ErrorContains(t, err, "nodes must be positive")
}
