package sparse

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"

	"sparseattn/pkg/tensor"
)

// batchedDims returns (batch, rows, dim) of a tensor shaped (batch, rows, dim) or
// (rows, dim), the latter as a batch of 1.
func batchedDims(t *tensor.Tensor, name string) (int, int, int, error) {
	switch t.NumDims() {
	case 2:
		return 1, t.Shape[0], t.Shape[1], nil
	case 3:
		return t.Shape[0], t.Shape[1], t.Shape[2], nil
	default:
		return 0, 0, 0, errors.Wrapf(ErrInvalidShape, "%s must be shaped (batch, rows, dim) or (rows, dim), got %v",
			name, t.Shape)
	}
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// MaskedMatmul computes a·bᵀ only at the positions stored in mask (SDDMM): for
// every entry (r, c) of the mask the result holds a[h, r]·b[h, c].
//
// a is shaped (batch, rows, dim) and b (batch, cols, dim), b is not transposed by
// the caller. The mask values are ignored, only its layout is used. The result has
// the mask layout and one value set per batch entry.
func MaskedMatmul(a, b *tensor.Tensor, mask *CSR) (*CSR, error) {
	aBatch, aRows, aDim, err := batchedDims(a, "a")
	if err != nil {
		return nil, err
	}
	bBatch, bRows, bDim, err := batchedDims(b, "b")
	if err != nil {
		return nil, err
	}
	if aBatch != bBatch || aDim != bDim {
		return nil, errors.Wrapf(ErrInvalidShape, "masked matmul operands %v and %v are incompatible", a.Shape, b.Shape)
	}
	if aRows != mask.Rows() || bRows != mask.Cols() {
		return nil, errors.Wrapf(ErrInvalidShape, "mask is (%d, %d) but operands give (%d, %d)",
			mask.Rows(), mask.Cols(), aRows, bRows)
	}

	nnz := mask.NNZ()
	rowIndices, colIndices := mask.layout.rowIndices, mask.layout.colIndices
	result := tensor.NewTensor([]int{aBatch, nnz})
	err = tensor.ParallelFor(aBatch, func(h int) error {
		aHead := a.Data[h*aRows*aDim : (h+1)*aRows*aDim]
		bHead := b.Data[h*bRows*bDim : (h+1)*bRows*bDim]
		out := result.Data[h*nnz : (h+1)*nnz]
		for e := range out {
			r, c := int(rowIndices[e]), int(colIndices[e])
			out[e] = blas32.Dot(vector(aHead[r*aDim:(r+1)*aDim]), vector(bHead[c*bDim:(c+1)*bDim]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CSR{layout: mask.layout, values: result}, nil
}

// Add returns a + b for matrices with the same layout. A batch of 1 is broadcast
// against the other operand's batch.
func Add(a, b *CSR) (*CSR, error) {
	if !a.SameLayout(b) {
		return nil, errors.Wrapf(ErrLayoutMismatch, "add of (%d, %d) with %d entries and (%d, %d) with %d entries",
			a.Rows(), a.Cols(), a.NNZ(), b.Rows(), b.Cols(), b.NNZ())
	}
	sum, err := tensor.Add(a.values, b.values)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidShape, "add with batches %d and %d: %v", a.Batch(), b.Batch(), err)
	}
	return &CSR{layout: a.layout, values: sum}, nil
}

// Softmax normalizes each row of each batch entry over its stored entries:
//
//	p[r, c] = exp(v[r, c] - max_r) / sum_{c' stored in r} exp(v[r, c'] - max_r)
//
// Positions that are not stored have zero probability. A row without entries stays
// empty, so it contributes nothing (and no NaN) to a later Matmul. An entry equal to
// -Inf gets probability 0; a row whose entries are all -Inf gets all zeros.
func Softmax(a *CSR) *CSR {
	nnz := a.NNZ()
	result := tensor.NewTensor(a.values.Shape)
	for h := 0; h < a.Batch(); h++ {
		in := a.values.Data[h*nnz : (h+1)*nnz]
		out := result.Data[h*nnz : (h+1)*nnz]
		for r := 0; r < a.Rows(); r++ {
			start, end := a.RowRange(r)
			if start == end {
				continue
			}
			maxVal := math32.Inf(-1)
			for _, v := range in[start:end] {
				maxVal = max(maxVal, v)
			}
			if math32.IsInf(maxVal, -1) {
				continue
			}
			var sum float32
			for e := start; e < end; e++ {
				out[e] = math32.Exp(in[e] - maxVal)
				sum += out[e]
			}
			for e := start; e < end; e++ {
				out[e] /= sum
			}
		}
	}
	return &CSR{layout: a.layout, values: result}
}

// Matmul computes the sparse by dense product a·b (SpMM).
//
// a is a (rows, cols) sparse matrix with batch B and b is shaped (B, cols, dim), or
// (cols, dim) to share it across the batch. A sparse batch of 1 is broadcast over
// a dense batch. The result is shaped (batch, rows, dim); empty rows give zeros.
func Matmul(a *CSR, b *tensor.Tensor) (*tensor.Tensor, error) {
	bBatch, bRows, dim, err := batchedDims(b, "b")
	if err != nil {
		return nil, err
	}
	if bRows != a.Cols() {
		return nil, errors.Wrapf(ErrInvalidShape, "sparse (%d, %d) times dense %v", a.Rows(), a.Cols(), b.Shape)
	}
	sharedDense := b.NumDims() == 2
	batch := a.Batch()
	switch {
	case sharedDense || bBatch == batch:
	case batch == 1:
		batch = bBatch
	default:
		return nil, errors.Wrapf(ErrInvalidShape, "sparse batch %d and dense batch %d are incompatible", a.Batch(), bBatch)
	}

	rows, nnz := a.Rows(), a.NNZ()
	colIndices := a.layout.colIndices
	result := tensor.NewTensor([]int{batch, rows, dim})
	err = tensor.ParallelFor(batch, func(h int) error {
		values := a.values.Data
		if a.Batch() > 1 {
			values = values[h*nnz : (h+1)*nnz]
		}
		bHead := b.Data
		if !sharedDense {
			bHead = b.Data[h*bRows*dim : (h+1)*bRows*dim]
		}
		out := result.Data[h*rows*dim : (h+1)*rows*dim]
		for r := 0; r < rows; r++ {
			start, end := a.RowRange(r)
			outRow := vector(out[r*dim : (r+1)*dim])
			for e := start; e < end; e++ {
				c := int(colIndices[e])
				blas32.Axpy(values[e], vector(bHead[c*dim:(c+1)*dim]), outRow)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
