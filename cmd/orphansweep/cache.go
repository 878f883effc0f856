package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/previewops/orphansweep/internal/cache"
)

func newCacheCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local inventory partition cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show cache location and contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			mgr, err := cache.NewManager(cfg.Cache.Dir)
			if err != nil {
				return err
			}

			count, bytes := mgr.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cache dir:  %s\n", mgr.Root())
			fmt.Fprintf(out, "partitions: %d\n", count)
			fmt.Fprintf(out, "bytes:      %d\n", bytes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all cached partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			mgr, err := cache.NewManager(cfg.Cache.Dir)
			if err != nil {
				return err
			}
			if err := mgr.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	})

	return cmd
}
