package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var shutdownAll bool

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Signal running workers to drain and exit",
	RunE:  runShutdown,
}

func init() {
	shutdownCmd.Flags().BoolVar(&shutdownAll, "all", false, "accepted but has no effect: every worker sharing this store sees the same shutdown marker")
}

// runShutdown asks workers to drain by writing a shutdown marker that
// every worker sharing the store polls between claims. There is no
// separate control channel: a worker that sees the marker stops
// claiming once its current operation is done, and the worker process
// exits when all of its loops have stopped. Nothing is killed directly.
func runShutdown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := s.RequestShutdown(ctx, shutdownAll); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if !quiet {
		fmt.Println("shutdown requested; running workers will drain their current operation and exit")
	}
	return nil
}
