package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aspuru-guzik-group/funsies/internal/executor"
	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/pkg/funsies"
)

var executeCmd = &cobra.Command{
	Use:   "execute HASH...",
	Short: "Enqueue the given artifacts' producers and block until every target is terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), funsies.WaitTimeout)
	defer cancel()

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	targets := make([]graph.Hash, len(args))
	for i, arg := range args {
		h, err := s.ResolvePrefix(ctx, arg)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", arg, err)
		}
		targets[i] = h
	}

	exec := executor.New(s, nil)
	if err := exec.WaitFor(ctx, targets); err != nil {
		return err
	}

	anyError := false
	for _, h := range targets {
		_, status, err := s.ResolveArtifact(ctx, h)
		if err != nil {
			return fmt.Errorf("checking final status of %s: %w", h, err)
		}
		label := statusLabel(status.String(), styles.Ready)
		if status == graph.Error {
			label = statusLabel(status.String(), styles.Error)
			anyError = true
		}
		if !quiet {
			fmt.Printf("%s  %s\n", h, label)
		}
	}

	if anyError {
		cmd.SilenceUsage = true
		return errExitCode(1)
	}
	return nil
}
