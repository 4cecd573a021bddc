// Package sparse implements compressed sparse row (CSR) matrices built from edge
// lists, and the kernels needed by masked attention: a matmul restricted to the
// sparse support (SDDMM), element-wise addition, row softmax over the support and
// the sparse by dense product (SpMM).
//
// A CSR is an immutable index layout (row offsets and column indices) plus a value
// tensor shaped (batch, nnz). Every batch entry (attention head) shares the same
// layout, only the values differ. Kernels never modify their inputs: they return new
// matrices sharing the layout of the input.
package sparse

import (
	"cmp"
	"math"
	"slices"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"sparseattn/pkg/tensor"
)

// Layout is the index structure of a CSR matrix. It is never modified after
// construction and is shared by every matrix derived with WithValues.
type Layout struct {
	rows, cols int

	// rowOffsets has rows+1 entries: the entries of row r are at positions
	// [rowOffsets[r], rowOffsets[r+1]).
	rowOffsets []int32
	colIndices []int32

	// rowIndices is the row of each entry, the expanded form of rowOffsets.
	rowIndices []int32
}

// CSR is a batch of sparse (rows, cols) matrices sharing one Layout.
type CSR struct {
	layout *Layout
	values *tensor.Tensor // (batch, nnz)
}

// Options configure FromCOO.
type Options struct {
	// Duplicates selects how repeated (row, col) edges are resolved.
	Duplicates DuplicatePolicy

	// RejectEmptyRows makes FromCOO fail with ErrEmptyRow if any row has no entries.
	// Otherwise such rows are allowed and attend to nothing.
	RejectEmptyRows bool
}

// maxEntries bounds the number of input edges, so that int32 row offsets cannot overflow.
var maxEntries = math.MaxInt32

// Entry is one stored element of a CSR matrix.
type Entry struct {
	Row, Col int
	Value    float32
}

// FromCOO builds an (m, n) CSR matrix holding values[i] at (rows[i], cols[i]).
//
// values is shaped (nnz) for a single matrix or (batch, nnz) for one value set per
// batch entry. The edges may come in any order: they are sorted by (row, col),
// preserving input order among duplicates, before the row offsets are built.
// Duplicates are resolved according to opts.Duplicates.
func FromCOO(m, n int, rows, cols []int, values *tensor.Tensor, opts Options) (*CSR, error) {
	if m < 0 || n < 0 || m > math.MaxInt32 || n > math.MaxInt32 {
		return nil, errors.Wrapf(ErrInvalidShape, "matrix dimensions (%d, %d)", m, n)
	}
	if len(rows) > maxEntries || len(cols) > maxEntries {
		return nil, errors.Wrapf(ErrInvalidShape, "%d edges exceed the limit of %d", max(len(rows), len(cols)), maxEntries)
	}
	if values == nil {
		return nil, errors.Wrap(ErrInvalidShape, "values are required")
	}
	batch, numValues, err := valueDims(values)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(cols) || len(rows) != numValues {
		return nil, errors.Wrapf(ErrLengthMismatch, "row_index has %d entries, col_index %d and values %d",
			len(rows), len(cols), numValues)
	}
	for i := range rows {
		if rows[i] < 0 || rows[i] >= m {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "edge %d: row %d not in [0, %d)", i, rows[i], m)
		}
		if cols[i] < 0 || cols[i] >= n {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "edge %d: column %d not in [0, %d)", i, cols[i], n)
		}
	}

	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(rows[a], rows[b]); c != 0 {
			return c
		}
		return cmp.Compare(cols[a], cols[b])
	})

	// groups[u] lists the input edges (in input order) stored at unique entry u.
	layout := &Layout{
		rows:       m,
		cols:       n,
		rowOffsets: make([]int32, m+1),
	}
	groups := make([][]int, 0, len(order))
	for pos, edge := range order {
		if pos > 0 {
			prev := order[pos-1]
			if rows[prev] == rows[edge] && cols[prev] == cols[edge] {
				if opts.Duplicates == DuplicateReject {
					return nil, errors.Wrapf(ErrDuplicateEdge, "edge (%d, %d) given at positions %d and %d",
						rows[edge], cols[edge], prev, edge)
				}
				groups[len(groups)-1] = append(groups[len(groups)-1], edge)
				continue
			}
		}
		groups = append(groups, []int{edge})
		layout.colIndices = append(layout.colIndices, int32(cols[edge]))
		layout.rowIndices = append(layout.rowIndices, int32(rows[edge]))
		layout.rowOffsets[rows[edge]+1]++
	}
	for r := 0; r < m; r++ {
		layout.rowOffsets[r+1] += layout.rowOffsets[r]
	}
	if merged := len(order) - len(groups); merged > 0 {
		klog.V(1).Infof("sparse: resolved %d duplicate edges with policy %q", merged, opts.Duplicates)
	}

	if opts.RejectEmptyRows {
		if empty := layout.emptyRows(); len(empty) > 0 {
			return nil, errors.Wrapf(ErrEmptyRow, "%d rows without entries, first is row %d", len(empty), empty[0])
		}
	}

	nnz := len(groups)
	stored := tensor.NewTensor([]int{batch, nnz})
	for b := 0; b < batch; b++ {
		in := values.Data[b*numValues : (b+1)*numValues]
		out := stored.Data[b*nnz : (b+1)*nnz]
		for u, group := range groups {
			switch opts.Duplicates {
			case DuplicateLast:
				out[u] = in[group[len(group)-1]]
			default:
				for _, edge := range group {
					out[u] += in[edge]
				}
			}
		}
	}
	return &CSR{layout: layout, values: stored}, nil
}

// valueDims returns (batch, nnz) for a value tensor shaped (nnz) or (batch, nnz).
func valueDims(values *tensor.Tensor) (int, int, error) {
	switch values.NumDims() {
	case 1:
		return 1, values.Shape[0], nil
	case 2:
		if values.Shape[0] < 1 {
			return 0, 0, errors.Wrapf(ErrInvalidShape, "values batch dimension must be at least 1, got shape %v", values.Shape)
		}
		return values.Shape[0], values.Shape[1], nil
	default:
		return 0, 0, errors.Wrapf(ErrInvalidShape, "values must be shaped (nnz) or (batch, nnz), got %v", values.Shape)
	}
}

// WithValues returns a matrix with the same layout as c and the given values,
// shaped (nnz) or (batch, nnz). The values tensor is used directly, not copied.
func (c *CSR) WithValues(values *tensor.Tensor) (*CSR, error) {
	if values == nil {
		return nil, errors.Wrap(ErrInvalidShape, "values are required")
	}
	batch, nnz, err := valueDims(values)
	if err != nil {
		return nil, err
	}
	if nnz != c.NNZ() {
		return nil, errors.Wrapf(ErrLengthMismatch, "layout has %d entries, got %d values", c.NNZ(), nnz)
	}
	return &CSR{layout: c.layout, values: values.Reshape([]int{batch, nnz})}, nil
}

// Rows returns the number of rows.
func (c *CSR) Rows() int { return c.layout.rows }

// Cols returns the number of columns.
func (c *CSR) Cols() int { return c.layout.cols }

// NNZ returns the number of stored entries per batch entry.
func (c *CSR) NNZ() int { return len(c.layout.colIndices) }

// Batch returns the number of value sets.
func (c *CSR) Batch() int { return c.values.Shape[0] }

// Layout returns the shared index layout.
func (c *CSR) Layout() *Layout { return c.layout }

// Values returns the (batch, nnz) value tensor. It must not be modified.
func (c *CSR) Values() *tensor.Tensor { return c.values }

// BatchValues returns the values of batch entry b.
func (c *CSR) BatchValues(b int) []float32 {
	nnz := c.NNZ()
	return c.values.Data[b*nnz : (b+1)*nnz]
}

// RowOffsets returns the rows+1 row offsets. The slice must not be modified.
func (c *CSR) RowOffsets() []int32 { return c.layout.rowOffsets }

// ColIndices returns the column of each entry. The slice must not be modified.
func (c *CSR) ColIndices() []int32 { return c.layout.colIndices }

// RowRange returns the half-open range of entry positions of row r.
func (c *CSR) RowRange(r int) (start, end int) {
	return int(c.layout.rowOffsets[r]), int(c.layout.rowOffsets[r+1])
}

// EmptyRows returns the rows without entries, in increasing order.
func (c *CSR) EmptyRows() []int { return c.layout.emptyRows() }

func (l *Layout) emptyRows() []int {
	var empty []int
	for r := 0; r < l.rows; r++ {
		if l.rowOffsets[r] == l.rowOffsets[r+1] {
			empty = append(empty, r)
		}
	}
	return empty
}

// At returns the value at (r, col) of batch entry b, and whether it is stored.
func (c *CSR) At(b, r, col int) (float32, bool) {
	start, end := c.RowRange(r)
	cols := c.layout.colIndices[start:end]
	if i, found := slices.BinarySearch(cols, int32(col)); found {
		return c.BatchValues(b)[start+i], true
	}
	return 0, false
}

// Entries returns the stored (row, col, value) triples of batch entry b in row-major order.
func (c *CSR) Entries(b int) []Entry {
	values := c.BatchValues(b)
	entries := make([]Entry, len(values))
	for e, v := range values {
		entries[e] = Entry{Row: int(c.layout.rowIndices[e]), Col: int(c.layout.colIndices[e]), Value: v}
	}
	return entries
}

// Dense expands batch entry b into a (rows, cols) tensor, with fill at the
// positions that are not stored. Use fill = -Inf for an additive attention mask.
func (c *CSR) Dense(b int, fill float32) *tensor.Tensor {
	dense := tensor.NewTensor([]int{c.Rows(), c.Cols()})
	tensor.Constant(dense, fill)
	for e, v := range c.BatchValues(b) {
		dense.Data[int(c.layout.rowIndices[e])*c.Cols()+int(c.layout.colIndices[e])] = v
	}
	return dense
}

// SameLayout reports whether c and other have identical index layouts.
func (c *CSR) SameLayout(other *CSR) bool {
	if c.layout == other.layout {
		return true
	}
	return c.layout.rows == other.layout.rows && c.layout.cols == other.layout.cols &&
		slices.Equal(c.layout.rowOffsets, other.layout.rowOffsets) &&
		slices.Equal(c.layout.colIndices, other.layout.colIndices)
}

// HasNaN reports whether any stored value is NaN.
func (c *CSR) HasNaN() bool {
	for _, v := range c.values.Data {
		if math32.IsNaN(v) {
			return true
		}
	}
	return false
}
