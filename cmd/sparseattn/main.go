// Command sparseattn runs a sparse multi-head self-attention layer over a graph
// and reports the output and the per-edge attention weights.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"sparseattn/pkg/model"
	"sparseattn/pkg/sparse"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sparseattn",
		Short:         "Sparse multi-head self-attention over graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	// klog flags (-v, -logtostderr, ...)
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	addConfigFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newRunCmd(), newConfigCmd())
	return rootCmd
}

func addConfigFlags(flags *pflag.FlagSet) {
	defaults := model.DefaultConfig()
	policy := defaults.Duplicates

	flags.String("config", "", "YAML layer configuration file")
	flags.Int("embed-dim", defaults.EmbedDim, "Embedding dimension")
	flags.Int("heads", defaults.NumHeads, "Number of attention heads")
	flags.Float32("dropout", defaults.Dropout, "Dropout rate on attention probabilities")
	flags.Uint64("seed", defaults.Seed, "Seed for parameter initialization, dropout and features")
	flags.Var(&policy, "duplicates", "How repeated edges are combined: sum, last or reject")
	flags.Bool("reject-empty-rows", defaults.RejectEmptyRows, "Fail if a node has no outgoing edge")
}

// effectiveConfig reads the configuration file, if any, applies the flags that were
// set explicitly on the command line and validates the result.
func effectiveConfig(cmd *cobra.Command) (model.Config, error) {
	flags := cmd.Flags()
	config := model.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if config, err = model.ReadConfig(path); err != nil {
			return config, err
		}
	}

	if flags.Changed("embed-dim") {
		config.EmbedDim, _ = flags.GetInt("embed-dim")
	}
	if flags.Changed("heads") {
		config.NumHeads, _ = flags.GetInt("heads")
	}
	if flags.Changed("dropout") {
		config.Dropout, _ = flags.GetFloat32("dropout")
	}
	if flags.Changed("seed") {
		config.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("duplicates") {
		policy, err := sparse.ParseDuplicatePolicy(flags.Lookup("duplicates").Value.String())
		if err != nil {
			return config, err
		}
		config.Duplicates = policy
	}
	if flags.Changed("reject-empty-rows") {
		config.RejectEmptyRows, _ = flags.GetBool("reject-empty-rows")
	}
	if err := config.Validate(); err != nil {
		return config, errors.WithMessage(err, "invalid configuration")
	}
	return config, nil
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective layer configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := effectiveConfig(cmd)
			if err != nil {
				return err
			}
			data, err := config.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
