package attention

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparseattn/pkg/tensor"
)

func TestParameterSet(t *testing.T) {
	s := newLayer(t, smallConfig())
	params := s.Parameters()

	assert.Equal(t, []string{
		"query.weight", "query.bias",
		"key.weight", "key.bias",
		"value.weight", "value.bias",
		"output.weight", "output.bias",
	}, params.Names())
	assert.Equal(t, 8, params.Len())
	assert.Equal(t, 4*(8*8+8), params.NumParameters())

	w, ok := params.Get("output.weight")
	require.True(t, ok)
	assert.Same(t, s.Output.Weight, w)
	_, ok = params.Get("missing")
	assert.False(t, ok)
}

func TestParameterSet_Step(t *testing.T) {
	s := newLayer(t, smallConfig())
	params := s.Parameters()
	before := s.Query.Linear.Weight.Clone()

	grad := tensor.NewTensor([]int{8})
	tensor.Constant(grad, 1)
	require.NoError(t, params.Step(map[string]*tensor.Tensor{"output.bias": grad}, 0.5))
	for _, v := range s.Output.Bias.Data {
		assert.Equal(t, float32(-0.5), v)
	}
	assert.Equal(t, before.Data, s.Query.Linear.Weight.Data)

	// A bad gradient leaves every parameter untouched.
	err := params.Step(map[string]*tensor.Tensor{
		"output.bias":  grad,
		"query.weight": tensor.NewTensor([]int{8}),
	}, 1)
	assert.ErrorContains(t, err, `gradient for "query.weight" has shape [8], expected [8 8]`)
	for _, v := range s.Output.Bias.Data {
		assert.Equal(t, float32(-0.5), v)
	}

	err = params.Step(map[string]*tensor.Tensor{"attention.scale": grad}, 1)
	assert.ErrorContains(t, err, `unknown parameter "attention.scale"`)
}

func TestSparseSelfAttention_Reset(t *testing.T) {
	a := newLayer(t, smallConfig())
	b := newLayer(t, smallConfig())
	for _, name := range a.Parameters().Names() {
		pa, _ := a.Parameters().Get(name)
		pb, _ := b.Parameters().Get(name)
		assert.Equal(t, pa.Data, pb.Data, name)
	}

	grad := tensor.NewTensor([]int{8, 8})
	tensor.Constant(grad, 0.1)
	require.NoError(t, a.Parameters().Step(map[string]*tensor.Tensor{"key.weight": grad}, 1))
	assert.NotEqual(t, a.Key.Linear.Weight.Data, b.Key.Linear.Weight.Data)

	require.NoError(t, a.Reset(a.Config.Seed))
	assert.Equal(t, b.Key.Linear.Weight.Data, a.Key.Linear.Weight.Data)

	require.NoError(t, a.Reset(99))
	assert.NotEqual(t, b.Key.Linear.Weight.Data, a.Key.Linear.Weight.Data)
	assert.Equal(t, uint64(99), a.Config.Seed)
}
