package attention

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"sparseattn/pkg/model"
	"sparseattn/pkg/sparse"
	"sparseattn/pkg/tensor"
)

// SparseSelfAttention is multi-head self-attention restricted to a graph.
//
// Architecture:
//   - Query, Key and Value projections, each embed_dim -> (heads, N, head_dim)
//   - Sparse scaled dot-product attention over the edge list, with per-edge bias
//   - Heads are concatenated and mixed by the output projection
//
// Parameters are only read during Forward. Use Parameters().Step to update them.
type SparseSelfAttention struct {
	Config model.Config

	Query  *Projection
	Key    *Projection
	Value  *Projection
	Output *Linear

	Attention Attender

	params *ParameterSet
}

// NewSparseSelfAttention creates a layer from a validated configuration. Weights
// are Xavier uniform and biases zero, drawn from config.Seed.
func NewSparseSelfAttention(config model.Config) (*SparseSelfAttention, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}

	src := tensor.NewSource(config.Seed)
	query, err := NewProjection(config.EmbedDim, config.NumHeads, src)
	if err != nil {
		return nil, err
	}
	key, err := NewProjection(config.EmbedDim, config.NumHeads, src)
	if err != nil {
		return nil, err
	}
	value, err := NewProjection(config.EmbedDim, config.NumHeads, src)
	if err != nil {
		return nil, err
	}
	att, err := NewSparseScaledDotProduct(config.Dropout, config.Seed)
	if err != nil {
		return nil, err
	}

	s := &SparseSelfAttention{
		Config:    config,
		Query:     query,
		Key:       key,
		Value:     value,
		Output:    NewLinear(config.EmbedDim, config.EmbedDim, src),
		Attention: att,
		params:    NewParameterSet(),
	}
	s.Query.Linear.register(s.params, "query")
	s.Key.Linear.register(s.params, "key")
	s.Value.Linear.register(s.params, "value")
	s.Output.register(s.params, "output")

	klog.V(1).Infof("created sparse self-attention: embed_dim=%d num_heads=%d dropout=%g parameters=%d",
		config.EmbedDim, config.NumHeads, config.Dropout, s.params.NumParameters())
	return s, nil
}

// SetTraining switches between training (dropout active) and inference. Layers
// start in training mode.
func (s *SparseSelfAttention) SetTraining(training bool) {
	if t, ok := s.Attention.(interface{ SetTraining(bool) }); ok {
		t.SetTraining(training)
	}
}

// Parameters returns the learnable tensors: query, key, value and output
// projection weights and biases.
func (s *SparseSelfAttention) Parameters() *ParameterSet {
	return s.params
}

// Reset re-initializes all parameters from seed, in place, and reseeds dropout.
func (s *SparseSelfAttention) Reset(seed uint64) error {
	src := tensor.NewSource(seed)
	s.Query.Linear.Reset(src)
	s.Key.Linear.Reset(src)
	s.Value.Linear.Reset(src)
	s.Output.Reset(src)

	if att, ok := s.Attention.(*SparseScaledDotProduct); ok {
		d, err := tensor.NewDropout(s.Config.Dropout, seed)
		if err != nil {
			return err
		}
		att.Dropout = d
	}
	s.Config.Seed = seed
	return nil
}

// Forward computes sparse self-attention over the nodes x.
//
// Input shapes:
//   - x: (N, embed_dim) node features
//   - rowIndex, colIndex: edge list of length nnz; node rowIndex[e] attends to colIndex[e]
//   - attBias: per-edge additive bias, (nnz) shared by all heads or (num_heads, nnz)
//
// Output shape: (N, embed_dim). When needWeights is true the masked, biased
// pre-softmax logits are returned as an (N, N) sparse matrix with one value set per
// head; otherwise the second result is nil.
//
// A node without outgoing edges gets zero attention, so its output is the output
// projection bias.
func (s *SparseSelfAttention) Forward(x *tensor.Tensor, rowIndex, colIndex []int, attBias *tensor.Tensor, needWeights bool) (*tensor.Tensor, *sparse.CSR, error) {
	if x.NumDims() != 2 {
		return nil, nil, errors.Errorf("expected 2D input (nodes, embed_dim), got %dD with shape %v",
			x.NumDims(), x.Shape)
	}
	numNodes, embedDim := x.Shape[0], x.Shape[1]
	if embedDim != s.Config.EmbedDim {
		return nil, nil, errors.Errorf("input dimension %d doesn't match expected %d", embedDim, s.Config.EmbedDim)
	}
	if attBias == nil {
		return nil, nil, errors.New("att_bias is required")
	}
	if attBias.NumDims() == 2 && attBias.Shape[0] != 1 && attBias.Shape[0] != s.Config.NumHeads {
		return nil, nil, errors.Errorf("att_bias has %d heads, expected 1 or %d", attBias.Shape[0], s.Config.NumHeads)
	}

	// Step 1: Build the (N, N) mask from the edge list with the bias as values
	mask, err := sparse.FromCOO(numNodes, numNodes, rowIndex, colIndex, attBias, s.Config.SparseOptions())
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to build attention mask")
	}
	if klog.V(2).Enabled() {
		if empty := mask.EmptyRows(); len(empty) > 0 {
			klog.Infof("%d of %d nodes have no outgoing edges", len(empty), numNodes)
		}
	}

	// Step 2: Project to per-head Q, K, V: (num_heads, N, head_dim)
	q, err := s.Query.Forward(x)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to compute Q")
	}
	k, err := s.Key.Forward(x)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to compute K")
	}
	v, err := s.Value.Forward(x)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to compute V")
	}

	// Step 3: Sparse attention
	attnOutput, logits, err := s.Attention.Attend(q, k, v, mask)
	if err != nil {
		return nil, nil, err
	}

	// Step 4: Concatenate heads
	// From: (num_heads, N, head_dim)
	// To: (N, embed_dim)
	attnOutput, err = attnOutput.Transpose(0, 1)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to merge heads")
	}
	attnOutput = attnOutput.Reshape([]int{numNodes, embedDim})

	// Step 5: Output projection
	output, err := s.Output.Forward(attnOutput)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to apply output projection")
	}

	klog.V(2).Infof("sparse self-attention forward: nodes=%d edges=%d heads=%d", numNodes, mask.NNZ(), s.Config.NumHeads)
	if !needWeights {
		return output, nil, nil
	}
	return output, logits, nil
}

// ForwardGraph is Forward over a Graph using its edge biases, shared by all heads.
func (s *SparseSelfAttention) ForwardGraph(x *tensor.Tensor, g model.Graph, needWeights bool) (*tensor.Tensor, *sparse.CSR, error) {
	if x.NumDims() == 2 && x.Shape[0] != g.Nodes {
		return nil, nil, errors.Errorf("graph has %d nodes, features have %d", g.Nodes, x.Shape[0])
	}
	return s.Forward(x, g.Edges.Rows, g.Edges.Cols, g.Edges.BiasTensor(), needWeights)
}
