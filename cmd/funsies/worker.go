package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/opsserver"
	"github.com/aspuru-guzik-group/funsies/internal/registry"
	"github.com/aspuru-guzik-group/funsies/internal/runtime"
	"github.com/aspuru-guzik-group/funsies/internal/store"
	"github.com/aspuru-guzik-group/funsies/internal/telemetry"
	"github.com/aspuru-guzik-group/funsies/pkg/logging"
)

var workerQueue string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker process, claiming and executing operations until drained",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerQueue, "queue", "", "reserved for future queue partitioning")
}

// runWorker implements the worker subcommand's exit-code contract: 0
// on a clean SIGTERM/SIGINT drain, non-zero if the backend itself
// fails rather than the queue simply being empty.
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Service: "funsies-worker", Quiet: quiet})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:      "funsies-worker",
		OTLPEndpoint:     cfg.OTLPEndpoint,
		PrometheusBridge: cfg.OpsListenAddr != "",
	})
	if err != nil {
		return fmt.Errorf("worker: telemetry setup: %w", err)
	}
	defer providers.Shutdown(context.Background())

	s, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.NewWithBuiltins()
	rt := runtime.New(s, reg, nil, cfg.SandboxBase, logger.Slog())

	if cfg.OpsListenAddr != "" {
		var metricsHandler = promMetricsHandler(providers)
		ops := opsserver.New(s, logger.Slog(), metricsHandler)
		go func() {
			if err := ops.Run(ctx, cfg.OpsListenAddr); err != nil {
				logger.Warn("worker: ops server exited", slog.String("error", err.Error()))
			}
		}()
	}

	go reclaimLoop(ctx, s, cfg.StaleAfter)

	var wg sync.WaitGroup
	fatal := make(chan error, cfg.WorkerPoolSize)
	for i := 0; i < cfg.WorkerPoolSize; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := workerLoop(ctx, s, rt, logger, cfg.HeartbeatInterval, id); err != nil {
				select {
				case fatal <- err:
				default:
				}
			}
		}(i)
	}

	wg.Wait()
	select {
	case err := <-fatal:
		return err
	default:
		logger.Info("worker: drained cleanly")
		return nil
	}
}

// workerLoop repeatedly claims an operation and executes it, blocking
// on Subscribe rather than polling when the queue is empty, until ctx
// is done.
func workerLoop(ctx context.Context, s *store.Store, rt *runtime.Runtime, logger *logging.Logger, heartbeatInterval time.Duration, id int) error {
	notifyCh, unsubscribe, err := s.Subscribe(ctx, []string{"queue:pending:"})
	if err != nil {
		return fmt.Errorf("worker[%d]: subscribe: %w", id, err)
	}
	defer unsubscribe()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if requested, err := s.ShutdownRequested(ctx); err == nil && requested {
			return nil
		}

		opHash, ok, err := s.Claim(ctx)
		if err != nil {
			return fmt.Errorf("worker[%d]: claim: %w", id, err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-notifyCh:
			case <-time.After(5 * time.Second):
			}
			continue
		}

		start := time.Now()
		// A drain signal cancels ctx but not the claimed operation: it
		// runs to completion and its result is committed.
		runCtx := context.WithoutCancel(ctx)
		heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
		go func(h graph.Hash) {
			ticker := time.NewTicker(heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatCtx.Done():
					return
				case <-ticker.C:
					s.Heartbeat(heartbeatCtx, h)
				}
			}
		}(opHash)

		execErr := rt.Execute(runCtx, opHash)
		cancelHeartbeat()

		status := "done"
		if execErr != nil {
			status = "error"
		}
		logger.LogOperation(ctx, logging.OperationEntry{
			Timestamp: start,
			Operation: opHash.String(),
			Status:    status,
			Duration:  time.Since(start),
		})
		if execErr != nil {
			logger.Warn("worker: operation execution failed",
				slog.String("operation", opHash.String()),
				slog.String("error", execErr.Error()))
		}
	}
}

// reclaimLoop periodically re-enqueues operations whose heartbeat has
// gone stale, standing in for a crashed worker.
func reclaimLoop(ctx context.Context, s *store.Store, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReclaimStale(ctx, staleAfter)
		}
	}
}
