package model

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"sparseattn/pkg/tensor"
)

// EdgeList is the attention support of one forward call, as parallel arrays:
// query Rows[i] may attend to key Cols[i] with additive bias Bias[i].
type EdgeList struct {
	Rows []int
	Cols []int
	Bias []float32
}

// Len returns the number of edges.
func (e EdgeList) Len() int {
	return len(e.Rows)
}

// Validate checks that the arrays have the same length and that every index is in
// [0, numNodes).
func (e EdgeList) Validate(numNodes int) error {
	if len(e.Rows) != len(e.Cols) || len(e.Rows) != len(e.Bias) {
		return errors.Errorf("edge list has %d rows, %d cols and %d biases", len(e.Rows), len(e.Cols), len(e.Bias))
	}
	for i := range e.Rows {
		if e.Rows[i] < 0 || e.Rows[i] >= numNodes || e.Cols[i] < 0 || e.Cols[i] >= numNodes {
			return errors.Errorf("edge %d (%d, %d) out of range for %d nodes", i, e.Rows[i], e.Cols[i], numNodes)
		}
	}
	return nil
}

// BiasTensor returns the biases as a (nnz) tensor.
func (e EdgeList) BiasTensor() *tensor.Tensor {
	bias := tensor.NewTensor([]int{len(e.Bias)})
	copy(bias.Data, e.Bias)
	return bias
}

// Graph is a set of nodes and the edges among them.
type Graph struct {
	Nodes int
	Edges EdgeList
}

type graphFile struct {
	Nodes int `yaml:"nodes"`
	Edges []struct {
		Row  int     `yaml:"row"`
		Col  int     `yaml:"col"`
		Bias float32 `yaml:"bias"`
	} `yaml:"edges"`
}

// LoadGraph reads a graph from a YAML file of the form:
//
//	nodes: 3
//	edges:
//	  - {row: 0, col: 0, bias: 0.0}
//	  - {row: 0, col: 1, bias: -0.5}
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Graph{}, errors.Wrapf(err, "failed to read graph %q", path)
	}
	var file graphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Graph{}, errors.Wrapf(err, "failed to parse graph %q", path)
	}
	if file.Nodes <= 0 {
		return Graph{}, errors.Errorf("graph %q: nodes must be positive, got %d", path, file.Nodes)
	}

	g := Graph{Nodes: file.Nodes}
	for _, e := range file.Edges {
		g.Edges.Rows = append(g.Edges.Rows, e.Row)
		g.Edges.Cols = append(g.Edges.Cols, e.Col)
		g.Edges.Bias = append(g.Edges.Bias, e.Bias)
	}
	if err := g.Edges.Validate(g.Nodes); err != nil {
		return Graph{}, errors.Wrapf(err, "graph %q", path)
	}
	return g, nil
}

// RingGraph returns n nodes on a ring where each node attends to itself and to its
// k nearest neighbours on each side, all with zero bias. Every row is non-empty.
func RingGraph(n, k int) Graph {
	g := Graph{Nodes: n}
	for i := 0; i < n; i++ {
		seen := map[int]bool{}
		for d := -k; d <= k; d++ {
			j := ((i+d)%n + n) % n
			if seen[j] {
				continue
			}
			seen[j] = true
			g.Edges.Rows = append(g.Edges.Rows, i)
			g.Edges.Cols = append(g.Edges.Cols, j)
			g.Edges.Bias = append(g.Edges.Bias, 0)
		}
	}
	return g
}

// BlockDiagonal merges independent graphs into one, offsetting the node indices of
// each graph so that no edge crosses between them. This is how several graphs are
// processed in one forward call. Every graph must be valid on its own.
func BlockDiagonal(graphs ...Graph) (Graph, error) {
	var merged Graph
	for gi, g := range graphs {
		if err := g.Edges.Validate(g.Nodes); err != nil {
			return Graph{}, errors.WithMessagef(err, "graph %d", gi)
		}
		for i := range g.Edges.Rows {
			merged.Edges.Rows = append(merged.Edges.Rows, g.Edges.Rows[i]+merged.Nodes)
			merged.Edges.Cols = append(merged.Edges.Cols, g.Edges.Cols[i]+merged.Nodes)
			merged.Edges.Bias = append(merged.Edges.Bias, g.Edges.Bias[i])
		}
		merged.Nodes += g.Nodes
	}
	return merged, nil
}
