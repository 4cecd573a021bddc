// Package attention implements sparse multi-head self-attention for graph and
// point-cloud transformers.
//
// Attention is restricted to the edges of a sparse mask: queries are compared only
// with the keys they are connected to, the per-edge bias is added to those scores,
// and the softmax runs over each node's neighbours only. The dense N×N score
// matrix is never built.
package attention

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"sparseattn/pkg/sparse"
	"sparseattn/pkg/tensor"
)

// Attender computes attention of queries over keys and values restricted to a
// sparse mask. It returns the per-head output and the masked, biased logits.
type Attender interface {
	Attend(q, k, v *tensor.Tensor, mask *sparse.CSR) (*tensor.Tensor, *sparse.CSR, error)
}

// SparseScaledDotProduct is scaled dot-product attention over a sparse additive mask.
//
// q, k and v are shaped (heads, N, head_dim). The mask is an (N, N) CSR whose
// values are added to the scores; it holds either one value set shared by all
// heads or one per head. All heads use the same sparse pattern, so several graphs
// must be combined into one block diagonal mask by the caller.
type SparseScaledDotProduct struct {
	Dropout  *tensor.Dropout
	Training bool
}

// NewSparseScaledDotProduct creates the attention with the given dropout rate on
// the attention probabilities.
func NewSparseScaledDotProduct(dropout float32, seed uint64) (*SparseScaledDotProduct, error) {
	d, err := tensor.NewDropout(dropout, seed)
	if err != nil {
		return nil, err
	}
	return &SparseScaledDotProduct{Dropout: d, Training: true}, nil
}

// SupportsAttentionMask is true: the mask values are added to the scores.
func (a *SparseScaledDotProduct) SupportsAttentionMask() bool { return true }

// SupportsKeyPaddingMask is false: padded nodes must be left out of the edge list.
func (a *SparseScaledDotProduct) SupportsKeyPaddingMask() bool { return false }

// SetTraining enables or disables dropout.
func (a *SparseScaledDotProduct) SetTraining(training bool) {
	a.Training = training
}

// Attend computes
//
//	logits = (q/sqrt(head_dim))·kᵀ at the mask support + mask
//	output = dropout(softmax_rows(logits))·v
//
// Steps:
//  1. Scale queries by 1/sqrt(head_dim)
//  2. Scores q·k only at the mask entries (SDDMM)
//  3. Add the mask values (edge bias)
//  4. Softmax over each row's entries; rows without entries produce zeros
//  5. Dropout on the probabilities
//  6. Sparse by dense product with v
//
// The returned logits are taken before softmax and dropout.
func (a *SparseScaledDotProduct) Attend(q, k, v *tensor.Tensor, mask *sparse.CSR) (*tensor.Tensor, *sparse.CSR, error) {
	if q.NumDims() != 3 || k.NumDims() != 3 || v.NumDims() != 3 {
		return nil, nil, errors.Errorf("expected 3D q, k, v (heads, nodes, head_dim), got %v, %v and %v",
			q.Shape, k.Shape, v.Shape)
	}
	if !q.ShapeEquals(k) || v.Shape[0] != q.Shape[0] || v.Shape[1] != k.Shape[1] {
		return nil, nil, errors.Errorf("incompatible q %v, k %v and v %v", q.Shape, k.Shape, v.Shape)
	}
	if mask.Batch() != 1 && mask.Batch() != q.Shape[0] {
		return nil, nil, errors.Errorf("mask has %d value sets, expected 1 or %d heads", mask.Batch(), q.Shape[0])
	}

	headDim := q.Shape[2]
	scaled := q
	if headDim > 0 {
		scaled = q.Scale(1 / math32.Sqrt(float32(headDim)))
	}

	logits, err := sparse.MaskedMatmul(scaled, k, mask)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to compute attention scores")
	}
	logits, err = sparse.Add(logits, mask)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to add attention bias")
	}

	att := sparse.Softmax(logits)
	if a.Dropout != nil && a.Dropout.Rate > 0 && a.Training {
		att, err = att.WithValues(a.Dropout.Apply(att.Values(), true))
		if err != nil {
			return nil, nil, errors.WithMessage(err, "failed to apply attention dropout")
		}
	}

	output, err := sparse.Matmul(att, v)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to aggregate values")
	}
	return output, logits, nil
}
