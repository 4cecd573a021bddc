package sparse

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparseattn/pkg/tensor"
)

func values1D(t *testing.T, data ...float32) *tensor.Tensor {
	t.Helper()
	v, err := tensor.FromSlice(data, []int{len(data)})
	require.NoError(t, err)
	return v
}

func TestFromCOO_Layout(t *testing.T) {
	// Edges of the 4-node example graph, already sorted by row.
	rows := []int{0, 0, 1, 2, 2, 3}
	cols := []int{0, 1, 1, 2, 3, 3}
	m, err := FromCOO(4, 4, rows, cols, values1D(t, 1, 2, 3, 4, 5, 6), Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, m.Rows())
	assert.Equal(t, 4, m.Cols())
	assert.Equal(t, 6, m.NNZ())
	assert.Equal(t, 1, m.Batch())
	assert.Equal(t, []int32{0, 2, 3, 5, 6}, m.RowOffsets())
	assert.Equal(t, []int32{0, 1, 1, 2, 3, 3}, m.ColIndices())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, m.BatchValues(0))
	assert.Empty(t, m.EmptyRows())

	for r, want := range [][2]int{{0, 2}, {2, 3}, {3, 5}, {5, 6}} {
		start, end := m.RowRange(r)
		assert.Equalf(t, want, [2]int{start, end}, "row %d", r)
	}

	v, ok := m.At(0, 2, 3)
	assert.True(t, ok)
	assert.Equal(t, float32(5), v)
	_, ok = m.At(0, 1, 0)
	assert.False(t, ok)
}

func TestFromCOO_RoundTrip(t *testing.T) {
	rows := []int{3, 0, 2, 1, 0, 2, 4}
	cols := []int{1, 4, 2, 0, 0, 3, 4}
	bias := []float32{0.5, -1, 2, 3.25, 7, -0.125, 1}
	m, err := FromCOO(5, 5, rows, cols, values1D(t, bias...), Options{})
	require.NoError(t, err)
	require.Equal(t, len(rows), m.NNZ())

	want := make([]Entry, len(rows))
	for i := range rows {
		want[i] = Entry{Row: rows[i], Col: cols[i], Value: bias[i]}
	}
	less := func(a, b Entry) bool {
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	}
	if diff := cmp.Diff(want, m.Entries(0), cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Every edge is found at its position.
	for i := range rows {
		v, ok := m.At(0, rows[i], cols[i])
		require.True(t, ok)
		assert.Equal(t, bias[i], v)
	}
}

func TestFromCOO_UnsortedMatchesSorted(t *testing.T) {
	sorted, err := FromCOO(3, 3, []int{0, 0, 1, 2}, []int{0, 2, 1, 0}, values1D(t, 1, 2, 3, 4), Options{})
	require.NoError(t, err)
	unsorted, err := FromCOO(3, 3, []int{2, 0, 1, 0}, []int{0, 2, 1, 0}, values1D(t, 4, 2, 3, 1), Options{})
	require.NoError(t, err)

	assert.True(t, sorted.SameLayout(unsorted))
	assert.Equal(t, sorted.RowOffsets(), unsorted.RowOffsets())
	assert.Equal(t, sorted.ColIndices(), unsorted.ColIndices())
	assert.Equal(t, sorted.BatchValues(0), unsorted.BatchValues(0))
}

func TestFromCOO_Duplicates(t *testing.T) {
	rows := []int{1, 0, 1, 1}
	cols := []int{1, 0, 1, 0}
	bias := []float32{1, 2, 10, 5}

	tests := []struct {
		policy  DuplicatePolicy
		want    []float32
		wantErr error
	}{
		{policy: DuplicateSum, want: []float32{2, 5, 11}},
		{policy: DuplicateLast, want: []float32{2, 5, 10}},
		{policy: DuplicateReject, wantErr: ErrDuplicateEdge},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			m, err := FromCOO(2, 2, rows, cols, values1D(t, bias...), Options{Duplicates: tt.policy})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 3, m.NNZ())
			assert.Equal(t, []int32{0, 1, 3}, m.RowOffsets())
			assert.Equal(t, tt.want, m.BatchValues(0))
		})
	}
}

func TestFromCOO_Errors(t *testing.T) {
	tests := []struct {
		name    string
		m, n    int
		rows    []int
		cols    []int
		values  *tensor.Tensor
		opts    Options
		wantErr error
	}{
		{
			name: "row and column lengths differ",
			m:    4, n: 4,
			rows:    []int{0, 1, 2, 3, 3},
			cols:    []int{0, 1, 2, 3},
			values:  values1D(t, 0, 0, 0, 0, 0),
			wantErr: ErrLengthMismatch,
		},
		{
			name: "values length differs",
			m:    2, n: 2,
			rows:    []int{0, 1},
			cols:    []int{0, 1},
			values:  values1D(t, 0),
			wantErr: ErrLengthMismatch,
		},
		{
			name: "row out of range",
			m:    2, n: 2,
			rows:    []int{0, 2},
			cols:    []int{0, 1},
			values:  values1D(t, 0, 0),
			wantErr: ErrIndexOutOfRange,
		},
		{
			name: "negative column",
			m:    2, n: 2,
			rows:    []int{0, 1},
			cols:    []int{0, -1},
			values:  values1D(t, 0, 0),
			wantErr: ErrIndexOutOfRange,
		},
		{
			name: "missing values",
			m:    2, n: 2,
			rows:    []int{0},
			cols:    []int{0},
			wantErr: ErrInvalidShape,
		},
		{
			name: "rank 3 values",
			m:    2, n: 2,
			rows:    []int{0},
			cols:    []int{0},
			values:  tensor.NewTensor([]int{1, 1, 1}),
			wantErr: ErrInvalidShape,
		},
		{
			name: "negative dimension",
			m:    -1, n: 2,
			values:  values1D(t),
			wantErr: ErrInvalidShape,
		},
		{
			name: "empty row rejected",
			m:    3, n: 3,
			rows:    []int{0, 2},
			cols:    []int{0, 2},
			values:  values1D(t, 0, 0),
			opts:    Options{RejectEmptyRows: true},
			wantErr: ErrEmptyRow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromCOO(tt.m, tt.n, tt.rows, tt.cols, tt.values, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestFromCOO_TooManyEdges(t *testing.T) {
	saved := maxEntries
	maxEntries = 2
	t.Cleanup(func() { maxEntries = saved })

	_, err := FromCOO(2, 2, []int{0, 1}, []int{0, 1}, values1D(t, 1, 1), Options{})
	require.NoError(t, err)

	_, err = FromCOO(2, 2, []int{0, 1, 1}, []int{0, 1, 0}, values1D(t, 1, 1, 1), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidShape), "got %v", err)
	assert.Contains(t, err.Error(), "3 edges exceed the limit of 2")
}

func TestFromCOO_EmptyRowsAllowed(t *testing.T) {
	m, err := FromCOO(3, 3, []int{2, 0}, []int{2, 0}, values1D(t, 1, 1), Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, m.EmptyRows())
	start, end := m.RowRange(1)
	assert.Equal(t, start, end)
}

func TestFromCOO_NoEdges(t *testing.T) {
	m, err := FromCOO(2, 2, nil, nil, values1D(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, m.NNZ())
	assert.Equal(t, []int32{0, 0, 0}, m.RowOffsets())
	assert.Equal(t, []int{0, 1}, m.EmptyRows())
}

func TestFromCOO_BatchedValues(t *testing.T) {
	values, err := tensor.FromSlice([]float32{
		1, 2, 3, // head 0, in input order
		10, 20, 30, // head 1
	}, []int{2, 3})
	require.NoError(t, err)

	m, err := FromCOO(2, 2, []int{1, 0, 0}, []int{0, 1, 0}, values, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Batch())
	assert.Equal(t, []float32{3, 2, 1}, m.BatchValues(0))
	assert.Equal(t, []float32{30, 20, 10}, m.BatchValues(1))
}

func TestWithValues(t *testing.T) {
	m, err := FromCOO(2, 3, []int{0, 1}, []int{2, 0}, values1D(t, 1, 2), Options{})
	require.NoError(t, err)

	w, err := m.WithValues(values1D(t, 5, 6))
	require.NoError(t, err)
	assert.Same(t, m.Layout(), w.Layout())
	assert.Equal(t, []float32{5, 6}, w.BatchValues(0))
	assert.Equal(t, []float32{1, 2}, m.BatchValues(0), "original values unchanged")

	batched, err := m.WithValues(tensor.NewTensor([]int{4, 2}))
	require.NoError(t, err)
	assert.Equal(t, 4, batched.Batch())

	_, err = m.WithValues(values1D(t, 1, 2, 3))
	assert.True(t, errors.Is(err, ErrLengthMismatch))
	_, err = m.WithValues(nil)
	assert.True(t, errors.Is(err, ErrInvalidShape))
}

func TestDense(t *testing.T) {
	m, err := FromCOO(2, 2, []int{0, 1}, []int{1, 1}, values1D(t, 3, 4), Options{})
	require.NoError(t, err)

	d := m.Dense(0, float32(math.Inf(-1)))
	assert.Equal(t, []int{2, 2}, d.Shape)
	assert.True(t, math.IsInf(float64(d.Data[0]), -1))
	assert.Equal(t, float32(3), d.Data[1])
	assert.True(t, math.IsInf(float64(d.Data[2]), -1))
	assert.Equal(t, float32(4), d.Data[3])

	assert.Equal(t, []float32{0, 3, 0, 4}, m.Dense(0, 0).Data)
}

func TestDuplicatePolicyText(t *testing.T) {
	for _, p := range []DuplicatePolicy{DuplicateSum, DuplicateLast, DuplicateReject} {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var parsed DuplicatePolicy
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, p, parsed)
	}

	var p DuplicatePolicy
	require.NoError(t, p.Set("reject"))
	assert.Equal(t, DuplicateReject, p)
	assert.Error(t, p.Set("overwrite"))
	assert.Equal(t, "DuplicatePolicy(7)", DuplicatePolicy(7).String())
}
