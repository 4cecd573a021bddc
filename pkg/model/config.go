// Package model provides the configuration and input plumbing of the sparse
// self-attention layer used in graph and point-cloud transformers.
//
// The layer attends only along an explicit edge list: node i may attend to node j
// only if (i, j) is an edge. Edges carry an additive bias, typically a geometric or
// relational term computed by the surrounding model.
package model

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"sparseattn/pkg/sparse"
)

// Defaults for a standalone self-attention layer.
const (
	DefaultEmbedDim = 128
	DefaultNumHeads = 8

	// DefaultProjectionEmbedDim is the embedding size of a standalone Projection.
	DefaultProjectionEmbedDim = 512
)

// Config holds the hyperparameters of a SparseSelfAttention layer.
type Config struct {
	// EmbedDim is the feature size of the input and output (128 by default).
	EmbedDim int `yaml:"embed_dim"`

	// NumHeads is the number of attention heads (8 by default). It must divide EmbedDim.
	NumHeads int `yaml:"num_heads"`

	// Dropout is the dropout rate applied to attention probabilities, in [0, 1).
	Dropout float32 `yaml:"dropout"`

	// Seed drives parameter initialization and dropout.
	Seed uint64 `yaml:"seed"`

	// Duplicates selects how repeated (row, col) edges are combined: sum, last or reject.
	Duplicates sparse.DuplicatePolicy `yaml:"duplicates"`

	// RejectEmptyRows makes a forward call fail if a node has no outgoing edge.
	// Otherwise such a node gets a zero attention output (only the output bias).
	RejectEmptyRows bool `yaml:"reject_empty_rows"`
}

// DefaultConfig returns the default layer configuration.
func DefaultConfig() Config {
	return Config{
		EmbedDim:   DefaultEmbedDim,
		NumHeads:   DefaultNumHeads,
		Dropout:    0,
		Duplicates: sparse.DuplicateSum,
	}
}

// Validate checks if the configuration is valid and consistent.
// Returns an error if any parameters are incompatible.
func (c Config) Validate() error {
	if c.EmbedDim <= 0 {
		return errors.Errorf("embed_dim must be positive, got %d", c.EmbedDim)
	}
	if c.NumHeads <= 0 {
		return errors.Errorf("num_heads must be positive, got %d", c.NumHeads)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return errors.Errorf("embed_dim (%d) must be divisible by num_heads (%d)",
			c.EmbedDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if c.Duplicates < sparse.DuplicateSum || c.Duplicates > sparse.DuplicateReject {
		return errors.Errorf("invalid duplicates policy %s", c.Duplicates)
	}
	return nil
}

// HeadDim returns the dimension per attention head.
func (c Config) HeadDim() int {
	return c.EmbedDim / c.NumHeads
}

// SparseOptions returns the mask construction options of the configuration.
func (c Config) SparseOptions() sparse.Options {
	return sparse.Options{Duplicates: c.Duplicates, RejectEmptyRows: c.RejectEmptyRows}
}

// ReadConfig reads a YAML configuration file without validating it. Fields missing
// from the file keep their DefaultConfig values. Callers that override fields after
// reading must call Validate themselves.
func ReadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	return config, nil
}

// LoadConfig is ReadConfig followed by Validate.
func LoadConfig(path string) (Config, error) {
	config, err := ReadConfig(path)
	if err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		return config, errors.Wrapf(err, "invalid configuration %q", path)
	}
	return config, nil
}

// Marshal returns the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal configuration")
	}
	return data, nil
}
