package attention

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"

	"sparseattn/pkg/tensor"
)

// ParameterSet is an ordered collection of named learnable tensors.
//
// Forward passes only read parameters. Step is the single place where they change.
type ParameterSet struct {
	names  []string
	params map[string]*tensor.Tensor
}

// NewParameterSet creates an empty parameter set.
func NewParameterSet() *ParameterSet {
	return &ParameterSet{params: make(map[string]*tensor.Tensor)}
}

func (p *ParameterSet) add(name string, t *tensor.Tensor) {
	if _, ok := p.params[name]; ok {
		panic("duplicate parameter " + name)
	}
	p.names = append(p.names, name)
	p.params[name] = t
}

// Names returns the parameter names in registration order.
func (p *ParameterSet) Names() []string {
	return append([]string(nil), p.names...)
}

// Get returns the named parameter.
func (p *ParameterSet) Get(name string) (*tensor.Tensor, bool) {
	t, ok := p.params[name]
	return t, ok
}

// Len returns the number of parameter tensors.
func (p *ParameterSet) Len() int { return len(p.names) }

// NumParameters returns the total number of scalar parameters.
func (p *ParameterSet) NumParameters() int {
	total := 0
	for _, t := range p.params {
		total += t.Size()
	}
	return total
}

// Step applies one gradient descent update: param -= lr * grad.
//
// grads may cover a subset of the parameters. Every gradient is checked before any
// parameter is modified, so a failed Step leaves the set unchanged.
func (p *ParameterSet) Step(grads map[string]*tensor.Tensor, lr float32) error {
	for name, g := range grads {
		param, ok := p.params[name]
		if !ok {
			return errors.Errorf("unknown parameter %q", name)
		}
		if g == nil || !param.ShapeEquals(g) {
			var shape []int
			if g != nil {
				shape = g.Shape
			}
			return errors.Errorf("gradient for %q has shape %v, expected %v", name, shape, param.Shape)
		}
	}
	for name, g := range grads {
		param := p.params[name]
		blas32.Axpy(-lr, vector(g.Data), vector(param.Data))
	}
	return nil
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}
