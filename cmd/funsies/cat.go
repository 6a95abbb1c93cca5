package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
)

var catCmd = &cobra.Command{
	Use:   "cat HASH",
	Short: "Print a ready artifact's bytes to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

// runCat implements the cat subcommand's exit codes: 0 (ready, bytes
// written), 1 (artifact ended in Error), 2 (unresolved or not found).
func runCat(cmd *cobra.Command, args []string) error {
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

	h, err := s.ResolvePrefix(ctx, args[0])
	if err != nil {
		cmd.SilenceUsage = true
		return errExitCode(2)
	}

	_, status, err := s.ResolveArtifact(ctx, h)
	if err != nil {
		cmd.SilenceUsage = true
		return errExitCode(2)
	}

	switch status {
	case graph.Ready:
		data, err := s.ArtifactBytes(ctx, h)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	case graph.Error:
		rec, err := s.ArtifactError(ctx, h)
		if err == nil && rec != nil {
			fmt.Fprintln(os.Stderr, rec.Error())
		}
		cmd.SilenceUsage = true
		return errExitCode(1)
	default:
		cmd.SilenceUsage = true
		return errExitCode(2)
	}
}
