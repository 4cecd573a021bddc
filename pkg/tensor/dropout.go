package tensor

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dropout randomly zeros out elements with probability Rate during training and
// rescales the kept ones by 1/(1-Rate) (inverted dropout).
//
// Each Dropout owns its random source, so two layers seeded the same way drop the
// same elements. A Dropout is not safe for concurrent use.
type Dropout struct {
	Rate float32
	src  rand.Source
}

// NewDropout creates a dropout with the given rate in [0, 1) and seed.
func NewDropout(rate float32, seed uint64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, errors.Errorf("dropout probability must be in [0, 1), got %g", rate)
	}
	return &Dropout{
		Rate: rate,
		src:  rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}, nil
}

// Apply returns a copy of t with dropout applied.
//
// During inference (training=false) or with Rate 0 the copy is bit-exact.
func (d *Dropout) Apply(t *Tensor, training bool) *Tensor {
	if d == nil || !training || d.Rate == 0 {
		return t.Clone()
	}

	keep := distuv.Bernoulli{P: float64(1 - d.Rate), Src: d.src}
	scale := 1 / (1 - d.Rate)
	result := NewTensor(t.Shape)
	for i, v := range t.Data {
		if keep.Rand() == 1 {
			result.Data[i] = v * scale
		}
	}
	return result
}
