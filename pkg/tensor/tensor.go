// Package tensor provides the dense float32 tensor operations used by the sparse
// attention layer: construction and reshaping, batched matrix multiplication,
// broadcasting element-wise arithmetic, softmax, dropout and parameter initializers.
//
// Tensors are row-major with precomputed strides. Views share the underlying data,
// every other operation returns a freshly allocated tensor.
package tensor

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [heads, nodes, head_dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, shapeSize(shape)),
		Shape:   copyShape(shape),
		Strides: stridesFor(shape),
	}
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	expectedSize := shapeSize(shape)
	if len(data) != expectedSize {
		return nil, errors.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expectedSize)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: stridesFor(shape),
	}, nil
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	if err := checkShape(newShape); err != nil {
		return nil, err
	}
	if newSize := shapeSize(newShape); newSize != len(t.Data) {
		return nil, errors.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: stridesFor(newShape),
	}, nil
}

// Reshape returns a view with a different shape (same underlying data).
// It panics if the sizes don't match, use View to get an error instead.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Transpose exchanges two dimensions of the tensor, returning a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, errors.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, len(t.Shape))
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)
	if len(t.Data) == 0 {
		return result, nil
	}

	// Walk the source in order and scatter into the destination, whose strides for
	// dim1 and dim2 are swapped with respect to the source indices.
	dstStrides := copyShape(result.Strides)
	dstStrides[dim1], dstStrides[dim2] = dstStrides[dim2], dstStrides[dim1]
	indices := make([]int, len(t.Shape))
	for srcIdx := range t.Data {
		dstIdx := 0
		for i, idx := range indices {
			dstIdx += idx * dstStrides[i]
		}
		result.Data[dstIdx] = t.Data[srcIdx]

		// Increment the multi-dimensional index.
		for i := len(indices) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < t.Shape[i] {
				break
			}
			indices[i] = 0
		}
	}
	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// NumDims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := 0; i < len(t.Shape); i++ {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(indices []int, value float32) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape)
	copy(result.Data, t.Data)
	return result
}

// ShapeString returns a string representation of the shape.
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%v", t.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math32.Abs(t.Data[i]-other.Data[i]) > tolerance {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return shapeEquals(t.Shape, other.Shape)
}

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// Supports broadcasting: if one operand is 2D and the other is 3D, the 2D is broadcast.
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, errors.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	m, n := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	n2, p := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]
	if n != n2 {
		return nil, errors.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, n2)
	}

	aBatch, bBatch := a.Shape[:len(a.Shape)-2], b.Shape[:len(b.Shape)-2]
	var batchDims []int
	switch {
	case len(bBatch) == 0:
		batchDims = aBatch
	case len(aBatch) == 0:
		batchDims = bBatch
	case shapeEquals(aBatch, bBatch):
		batchDims = aBatch
	default:
		return nil, errors.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
	}

	resultShape := append(copyShape(batchDims), m, p)
	result := NewTensor(resultShape)
	if m == 0 || n == 0 || p == 0 {
		return result, nil
	}

	batchSize := shapeSize(batchDims)
	for batch := 0; batch < batchSize; batch++ {
		aOffset, bOffset := 0, 0
		if len(aBatch) > 0 {
			aOffset = batch * m * n
		}
		if len(bBatch) > 0 {
			bOffset = batch * n * p
		}
		rOffset := batch * m * p
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(a.Data[aOffset:aOffset+m*n], m, n),
			general(b.Data[bOffset:bOffset+n*p], n, p),
			0, general(result.Data[rOffset:rOffset+m*p], m, p))
	}
	return result, nil
}

// general wraps a row-major (rows, cols) block for blas32.
func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// Softmax applies softmax along the specified dimension.
// A slice whose values are all -Inf yields zeros instead of NaN.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, errors.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}

	result := NewTensor(t.Shape)
	sliceSize := t.Shape[dim]
	if sliceSize == 0 || len(t.Data) == 0 {
		return result, nil
	}
	stride := t.Strides[dim]
	outer := len(t.Data) / (sliceSize * stride)

	for o := 0; o < outer; o++ {
		for in := 0; in < stride; in++ {
			base := o*sliceSize*stride + in

			// Find max for numerical stability
			maxVal := math32.Inf(-1)
			for i := 0; i < sliceSize; i++ {
				if v := t.Data[base+i*stride]; v > maxVal {
					maxVal = v
				}
			}
			if math32.IsInf(maxVal, -1) {
				continue
			}

			var expSum float32
			for i := 0; i < sliceSize; i++ {
				e := math32.Exp(t.Data[base+i*stride] - maxVal)
				result.Data[base+i*stride] = e
				expSum += e
			}
			for i := 0; i < sliceSize; i++ {
				result.Data[base+i*stride] /= expSum
			}
		}
	}
	return result, nil
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// elementWiseOp performs an element-wise operation with numpy-style broadcasting.
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot broadcast shapes %v and %v", a.Shape, b.Shape)
	}

	result := NewTensor(outShape)
	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)
	indices := make([]int, len(outShape))
	for outIdx := range result.Data {
		aIdx, bIdx := 0, 0
		for i, idx := range indices {
			aIdx += idx * aStrides[i]
			bIdx += idx * bStrides[i]
		}
		result.Data[outIdx] = op(a.Data[aIdx], b.Data[bIdx])

		for i := len(indices) - 1; i >= 0; i-- {
			indices[i]++
			if indices[i] < outShape[i] {
				break
			}
			indices[i] = 0
		}
	}
	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes.
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		dimA, dimB := 1, 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}
		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, errors.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}
		if dimA == 1 {
			result[maxLen-1-i] = dimB
		} else {
			result[maxLen-1-i] = dimA
		}
	}
	return result, nil
}

// broadcastStrides returns the strides of inShape aligned to outShape, with 0 for
// broadcast (size 1 or missing) dimensions.
func broadcastStrides(inShape, outShape []int) []int {
	inStrides := stridesFor(inShape)
	strides := make([]int, len(outShape))
	diff := len(outShape) - len(inShape)
	for i := range inShape {
		if inShape[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor[")
	for i, dim := range t.Shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", dim))
	}
	sb.WriteString("]: ")
	if len(t.Data) == 0 {
		sb.WriteString("[]")
		return sb.String()
	}
	sb.WriteString(formatData(t.Shape, t.Data, 0))
	return sb.String()
}

// formatData recursively formats tensor data, eliding long dimensions.
func formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	if len(shape) == 1 {
		for i := 0; i < shape[0] && i < 6; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%g", data[offset+i]))
		}
		if shape[0] > 6 {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}

	subSize := shapeSize(shape[1:])
	for i := 0; i < shape[0] && i < 3; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatData(shape[1:], data, offset+i*subSize))
	}
	if shape[0] > 3 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

func checkShape(shape []int) error {
	for _, dim := range shape {
		if dim < 0 {
			return errors.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	return nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func shapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
