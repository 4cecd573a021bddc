package attention

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"sparseattn/pkg/tensor"
)

// Linear is a dense affine map y = x·W + b.
type Linear struct {
	In, Out int

	Weight *tensor.Tensor // (in, out)
	Bias   *tensor.Tensor // (out)
}

// NewLinear creates a linear layer with Xavier uniform weights and zero bias.
func NewLinear(in, out int, src rand.Source) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: tensor.NewTensor([]int{in, out}),
		Bias:   tensor.NewTensor([]int{out}),
	}
	l.Reset(src)
	return l
}

// Reset re-initializes the weights (Xavier uniform) and the bias (zero).
func (l *Linear) Reset(src rand.Source) {
	tensor.XavierUniform(l.Weight, src)
	tensor.Zeros(l.Bias)
}

// Forward applies the layer to x shaped (..., in), returning (..., out).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NumDims() < 2 {
		return nil, errors.Errorf("expected at least 2D input, got %dD", x.NumDims())
	}
	if lastDim := x.Shape[x.NumDims()-1]; lastDim != l.In {
		return nil, errors.Errorf("input dimension %d doesn't match expected %d", lastDim, l.In)
	}

	y, err := tensor.Matmul(x, l.Weight)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute linear projection")
	}
	y, err = tensor.Add(y, l.Bias)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to add bias")
	}
	return y, nil
}

func (l *Linear) register(params *ParameterSet, prefix string) {
	params.add(prefix+".weight", l.Weight)
	params.add(prefix+".bias", l.Bias)
}
