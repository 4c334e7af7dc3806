// Command rvpipe runs geospatial ML pipelines described by YAML configs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wgdzlh/rvpipe/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var lc log.Config
	cmd := &cobra.Command{
		Use:          "rvpipe",
		Short:        "Run analyze, chip, train, predict, eval and bundle for raster pipelines",
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return log.Init(lc)
		},
	}
	cmd.PersistentFlags().StringVar(&lc.Level, "log-level", "info", "debug|info|warn|error")
	cmd.PersistentFlags().BoolVar(&lc.JSON, "json-log", false, "log JSON lines instead of console output")
	cmd.AddCommand(runCmd(), validateCmd())
	return cmd
}
