package tensor

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// NewSource returns the deterministic random source used by the initializers.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed+1)
}

// XavierUniform fills t with Xavier/Glorot uniform values:
// U[-limit, limit] where limit = sqrt(6 / (fan_in + fan_out)).
//
// fan_in and fan_out are the last two dimensions. For 1D tensors both are the
// single dimension.
func XavierUniform(t *Tensor, src rand.Source) {
	var fanIn, fanOut int
	switch len(t.Shape) {
	case 0:
		return
	case 1:
		fanIn, fanOut = t.Shape[0], t.Shape[0]
	default:
		fanIn, fanOut = t.Shape[len(t.Shape)-2], t.Shape[len(t.Shape)-1]
	}
	if fanIn+fanOut == 0 {
		return
	}

	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	dist := distuv.Uniform{Min: -limit, Max: limit, Src: src}
	for i := range t.Data {
		t.Data[i] = float32(dist.Rand())
	}
}

// Constant fills t with value.
func Constant(t *Tensor, value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Zeros fills t with zeros.
func Zeros(t *Tensor) {
	Constant(t, 0)
}
