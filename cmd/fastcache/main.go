package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/fastcache/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fastcache",
		Short:         "FastCache - pluggable cache with distributed locking",
		Long:          "Inspect and manipulate a FastCache backend (memory, redis or bigcache) configured from YAML",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (FASTCACHE_* env vars override it)")

	open := func(cmd *cobra.Command, opts config.BuildOptions) (*config.Cache, *config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if opts.LogOutput == nil {
			opts.LogOutput = cmd.ErrOrStderr()
		}
		c, err := config.Build(cmd.Context(), cfg, opts)
		if err != nil {
			return nil, nil, err
		}
		return c, cfg, nil
	}

	rootCmd.AddCommand(
		getCmd(open),
		setCmd(open),
		deleteCmd(open),
		searchCmd(open),
		lockCmd(open),
		keyCmd(),
		serveMetricsCmd(open),
	)
	return rootCmd
}

type opener func(cmd *cobra.Command, opts config.BuildOptions) (*config.Cache, *config.Config, error)

func closeQuietly(c *config.Cache) {
	_ = c.Close(context.Background())
}
