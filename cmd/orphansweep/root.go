package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/previewops/orphansweep/internal/config"
	"github.com/previewops/orphansweep/internal/logging"
)

// Version is stamped at build time.
var Version = "dev"

type rootFlags struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "orphansweep",
		Short: "Reconcile preview markers against bulk inventory and delete orphans",
		Long: `orphansweep finds preview file trees whose projects were never confirmed
by upload markers, and deletes them safely. Upload artifacts are never
touched. All runs are dry runs unless --execute is passed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newSweepCmd(flags))
	cmd.AddCommand(newCacheCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig loads configuration and initializes logging for a subcommand.
func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}

	level := cfg.Log.Level
	if flags.debug {
		level = "debug"
	}
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: level})

	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orphansweep version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "orphansweep", Version)
		},
	}
}
