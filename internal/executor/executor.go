// Package executor implements DAG traversal over internal/store: given
// a set of target artifacts, find every operation that must run to
// resolve them, submit the ready ones, and optionally block until the
// targets reach a terminal status. There is no central scheduler
// process; every call to Submit or WaitFor only ever touches the store, so any
// number of executor instances (one per worker, one per CLI
// invocation) can safely traverse and submit concurrently.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/aspuru-guzik-group/funsies/internal/graph"
	"github.com/aspuru-guzik-group/funsies/internal/store"
)

var (
	tracer = otel.Tracer("funsies.executor")
	meter  = otel.Meter("funsies.executor")
)

// Executor walks the operation DAG backward from a set of target
// artifacts, discovering and submitting the work needed to resolve
// them.
//
// Thread Safety: Executor is safe for concurrent use. Multiple calls
// to Submit and WaitFor may proceed concurrently against the same Store.
type Executor struct {
	store  *store.Store
	logger *slog.Logger

	metricsOnce  sync.Once
	traversals   metric.Int64Counter
	submitted    metric.Int64Counter
	traversalDur metric.Float64Histogram

	// submitGroup collapses concurrent Submit calls over the same
	// target set into one traversal: WaitFor callers racing on a
	// shared workflow (e.g. two CLI invocations waiting on the same
	// artifact) shouldn't each pay a full reverse-BFS pass.
	submitGroup singleflight.Group
}

// New returns an Executor over s.
func New(s *store.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, logger: logger}
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.traversals, err = meter.Int64Counter("funsies_executor_traversals_total",
			metric.WithDescription("Number of reverse-BFS traversal passes run"))
		if err != nil {
			e.logger.Error("init traversals counter", slog.String("error", err.Error()))
		}
		e.submitted, err = meter.Int64Counter("funsies_executor_submitted_total",
			metric.WithDescription("Number of operations pushed onto the queue by a traversal"))
		if err != nil {
			e.logger.Error("init submitted counter", slog.String("error", err.Error()))
		}
		e.traversalDur, err = meter.Float64Histogram("funsies_executor_traversal_duration_seconds",
			metric.WithDescription("Time spent discovering and submitting one target set"),
			metric.WithUnit("s"))
		if err != nil {
			e.logger.Error("init traversal duration histogram", slog.String("error", err.Error()))
		}
	})
}

// Submit performs one reverse-BFS traversal from targets (artifact
// hashes), discovering every operation that must run to resolve them
// and enqueuing the ones whose inputs are already terminal
// (spec.md §4.2). It returns without waiting for any of them to finish.
func (e *Executor) Submit(ctx context.Context, targets []graph.Hash) error {
	_, err, _ := e.submitGroup.Do(submitKey(targets), func() (any, error) {
		return nil, e.submitOnce(ctx, targets)
	})
	return err
}

func submitKey(targets []graph.Hash) string {
	keys := make([]string, len(targets))
	for i, h := range targets {
		keys[i] = h.String()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (e *Executor) submitOnce(ctx context.Context, targets []graph.Hash) error {
	e.initMetrics()
	ctx, span := tracer.Start(ctx, "executor.Submit", trace.WithAttributes(
		attribute.Int("funsies.targets", len(targets)),
	))
	defer span.End()
	start := time.Now()

	visitedOps := map[graph.Hash]bool{}
	queue := append([]graph.Hash(nil), targets...)

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]

		resolved, status, err := e.store.ResolveArtifact(ctx, h)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("executor: resolving %s: %w", h, err)
		}
		if status.Terminal() {
			continue
		}

		opHash, isConst, err := e.store.Producer(ctx, resolved)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("executor: finding producer of %s: %w", resolved, err)
		}
		if isConst {
			// A non-terminal const artifact means its bytes haven't
			// been written yet, which callers of PutConstArtifact
			// should never leave dangling; nothing further to do.
			continue
		}
		if visitedOps[opHash] {
			continue
		}
		visitedOps[opHash] = true

		op, err := e.store.GetOperation(ctx, opHash)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("executor: loading operation %s: %w", opHash, err)
		}

		ready := true
		for _, inputHash := range op.Inputs {
			_, inStatus, err := e.store.ResolveArtifact(ctx, inputHash)
			if err != nil {
				return fmt.Errorf("executor: resolving input %s of %s: %w", inputHash, opHash, err)
			}
			if !inStatus.Terminal() {
				ready = false
				queue = append(queue, inputHash)
			}
		}

		opStatus, err := e.store.OperationStatus(ctx, opHash)
		if err != nil {
			return fmt.Errorf("executor: loading status of %s: %w", opHash, err)
		}

		if ready && opStatus == graph.OpPending {
			if err := e.store.Enqueue(ctx, opHash); err != nil {
				return fmt.Errorf("executor: enqueuing %s: %w", opHash, err)
			}
			if e.submitted != nil {
				e.submitted.Add(ctx, 1)
			}
		}
	}

	if e.traversals != nil {
		e.traversals.Add(ctx, 1)
	}
	if e.traversalDur != nil {
		e.traversalDur.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// WaitFor submits targets and then blocks until every one of them
// reaches a terminal status, or ctx is done. It re-checks status on
// every store notification, and whenever five seconds pass without
// one it re-submits targets in case a subdag attachment introduced
// new, still-unresolved ancestors after the initial traversal.
func (e *Executor) WaitFor(ctx context.Context, targets []graph.Hash) error {
	if err := e.Submit(ctx, targets); err != nil {
		return err
	}

	prefixes := make([]string, 0, len(targets))
	pending := map[graph.Hash]bool{}
	for _, h := range targets {
		pending[h] = true
	}

	for {
		allDone := true
		for h := range pending {
			_, status, err := e.store.ResolveArtifact(ctx, h)
			if err != nil {
				return fmt.Errorf("executor: resolving target %s: %w", h, err)
			}
			if status.Terminal() {
				delete(pending, h)
			} else {
				allDone = false
			}
		}
		if allDone || len(pending) == 0 {
			return nil
		}

		prefixes = prefixes[:0]
		for h := range pending {
			prefixes = append(prefixes, "art:status:"+h.String())
		}
		notifyCh, unsubscribe, err := e.store.Subscribe(ctx, prefixes)
		if err != nil {
			return fmt.Errorf("executor: subscribing: %w", err)
		}

		select {
		case <-ctx.Done():
			unsubscribe()
			return ctx.Err()
		case <-notifyCh:
			unsubscribe()
		case <-time.After(5 * time.Second):
			// Periodic re-check guards against a missed notification
			// (e.g. a subdag attach that resolved a target without
			// touching art:status directly for every ancestor).
			unsubscribe()
			if err := e.Submit(ctx, targets); err != nil {
				return err
			}
		}
	}
}
