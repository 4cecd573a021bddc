package attention

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"sparseattn/pkg/model"
	"sparseattn/pkg/tensor"
)

// Projection maps node features to per-head queries, keys or values.
//
// Architecture:
//   - one Linear (embed_dim -> num_heads * head_dim)
//   - reshape (N, num_heads, head_dim)
//   - swap the first two axes -> (num_heads, N, head_dim)
type Projection struct {
	NumHeads int
	HeadDim  int
	Linear   *Linear
}

// NewProjection creates a projection. numHeads must divide embedDim.
func NewProjection(embedDim, numHeads int, src rand.Source) (*Projection, error) {
	if embedDim <= 0 || numHeads <= 0 {
		return nil, errors.Errorf("embed_dim (%d) and num_heads (%d) must be positive", embedDim, numHeads)
	}
	if embedDim%numHeads != 0 {
		return nil, errors.Errorf("embed_dim (%d) must be divisible by num_heads (%d)", embedDim, numHeads)
	}
	headDim := embedDim / numHeads
	return &Projection{
		NumHeads: numHeads,
		HeadDim:  headDim,
		Linear:   NewLinear(embedDim, numHeads*headDim, src),
	}, nil
}

// NewDefaultProjection creates a standalone projection with
// model.DefaultProjectionEmbedDim features and model.DefaultNumHeads heads.
func NewDefaultProjection(src rand.Source) *Projection {
	p, err := NewProjection(model.DefaultProjectionEmbedDim, model.DefaultNumHeads, src)
	if err != nil {
		panic(err)
	}
	return p
}

// Forward projects x shaped (N, embed_dim) to (num_heads, N, head_dim).
func (p *Projection) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NumDims() != 2 {
		return nil, errors.Errorf("expected 2D input (nodes, embed_dim), got %dD with shape %v",
			x.NumDims(), x.Shape)
	}
	y, err := p.Linear.Forward(x)
	if err != nil {
		return nil, err
	}
	y = y.Reshape([]int{x.Shape[0], p.NumHeads, p.HeadDim})
	y, err = y.Transpose(0, 1)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to split heads")
	}
	return y, nil
}
