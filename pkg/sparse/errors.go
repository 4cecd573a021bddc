package sparse

import (
	"strconv"

	"github.com/pkg/errors"
)

// Errors returned by FromCOO and the kernels. They are wrapped with context, use
// errors.Is to test for them.
var (
	ErrLengthMismatch  = errors.New("sparse: index and value arrays have different lengths")
	ErrIndexOutOfRange = errors.New("sparse: index out of range")
	ErrDuplicateEdge   = errors.New("sparse: duplicate edge")
	ErrEmptyRow        = errors.New("sparse: row has no entries")
	ErrInvalidShape    = errors.New("sparse: invalid shape")
	ErrLayoutMismatch  = errors.New("sparse: matrices do not share an index layout")
)

// DuplicatePolicy defines how FromCOO resolves edges that share the same
// (row, col) position.
type DuplicatePolicy int

const (
	// DuplicateSum adds the values of duplicate edges.
	DuplicateSum DuplicatePolicy = iota
	// DuplicateLast keeps the value of the last duplicate in input order.
	DuplicateLast
	// DuplicateReject fails with ErrDuplicateEdge.
	DuplicateReject
)

var duplicatePolicyNames = []string{"sum", "last", "reject"}

// String implements fmt.Stringer.
func (p DuplicatePolicy) String() string {
	if p < 0 || int(p) >= len(duplicatePolicyNames) {
		return "DuplicatePolicy(" + strconv.Itoa(int(p)) + ")"
	}
	return duplicatePolicyNames[p]
}

// ParseDuplicatePolicy converts "sum", "last" or "reject" to a DuplicatePolicy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	for i, name := range duplicatePolicyNames {
		if s == name {
			return DuplicatePolicy(i), nil
		}
	}
	return 0, errors.Errorf("unknown duplicate policy %q, valid values are %v", s, duplicatePolicyNames)
}

// MarshalText implements encoding.TextMarshaler, used for YAML configuration.
func (p DuplicatePolicy) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(duplicatePolicyNames) {
		return nil, errors.Errorf("invalid duplicate policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *DuplicatePolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseDuplicatePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Set and Type make DuplicatePolicy usable as a command line flag (pflag.Value).
func (p *DuplicatePolicy) Set(s string) error { return p.UnmarshalText([]byte(s)) }

// Type implements pflag.Value.
func (p *DuplicatePolicy) Type() string { return "policy" }
