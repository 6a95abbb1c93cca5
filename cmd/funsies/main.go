// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command funsies is the CLI surface for the workflow engine:
// worker, execute, cat, shutdown, and graph.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Registers the generic callables/subdag generators a production
	// worker dispatches into; see internal/builtins's doc comment.
	_ "github.com/aspuru-guzik-group/funsies/internal/builtins"
)

var (
	configPath string
	quiet      bool

	rootCmd = &cobra.Command{
		Use:   "funsies",
		Short: "A content-addressed workflow engine",
		Long: `funsies runs shell commands, callables, and dynamically
generated sub-graphs as a content-addressed DAG, deduplicating and
resuming work by hash rather than by timestamp.`,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to ~/.funsies/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")

	rootCmd.AddCommand(workerCmd, executeCmd, catCmd, shutdownCmd, graphCmd)

	if err := rootCmd.Execute(); err != nil {
		var code errExitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
