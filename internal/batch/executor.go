// Package batch applies streams of graph mutations to a store in bounded chunks.
//
// A chunk is the unit of work and of failure: it is retried with exponential
// backoff while the store reports transient errors, and when it still cannot be
// applied it is split into single operations so one poison record fails alone.
// A single operation that still fails with a transient error means the store is
// unavailable rather than the record bad; splitting stops and the stage aborts.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/observability"
	"github.com/yungbote/tradegraph-kg/internal/platform/ctxutil"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

const DefaultBatchSize = 1000

type Config struct {
	BatchSize   int
	MaxAttempts int
	Concurrency int

	MinBackoff time.Duration
	MaxBackoff time.Duration
	JitterFrac float64

	// FailureRatioThreshold aborts the stage once failed/completed exceeds it.
	// The check starts after one full chunk's worth of completed records.
	FailureRatioThreshold float64

	// MaxReportedKeys caps the failed keys carried by the abort error (<= 0 means all).
	MaxReportedKeys int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:             DefaultBatchSize,
		MaxAttempts:           3,
		Concurrency:           1,
		MinBackoff:            200 * time.Millisecond,
		MaxBackoff:            5 * time.Second,
		JitterFrac:            0.2,
		FailureRatioThreshold: 0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.JitterFrac < 0 {
		c.JitterFrac = 0
	}
	if c.FailureRatioThreshold <= 0 || c.FailureRatioThreshold > 1 {
		c.FailureRatioThreshold = d.FailureRatioThreshold
	}
	return c
}

type Executor struct {
	store graphstore.Store
	cfg   Config
	log   *logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(store graphstore.Store, log *logger.Logger, cfg Config) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("batch: store required")
	}
	if log == nil {
		return nil, fmt.Errorf("batch: logger required")
	}
	return &Executor{
		store: store,
		cfg:   cfg.withDefaults(),
		log:   log.With("component", "BatchExecutor"),
		sleep: sleepCtx,
	}, nil
}

func (e *Executor) Config() Config { return e.cfg }

var errAbort = errors.New("batch: failure ratio threshold exceeded")

// Execute applies ops in chunks of BatchSize and returns once every dispatched
// chunk has been acknowledged. Callers must not yield two operations with the
// same key in one call; chunks may run concurrently.
//
// The returned error is non-nil only when the stage could not finish: the
// context was cancelled (already-applied chunks stay applied) or the failure
// ratio crossed the threshold, reported as an aborted *ingesterr.PartialIngestError.
// Record-level failures of a finished stage are in the Report.
func (e *Executor) Execute(ctx context.Context, stage string, ops iter.Seq[graphstore.Mutation]) (Report, error) {
	ctx, span := observability.Tracer().Start(ctx, "batch.execute")
	defer span.End()
	span.SetAttributes(attribute.String("kg.stage", stage), attribute.Int("kg.batch_size", e.cfg.BatchSize))

	start := time.Now()
	t := newTally(stage, e.cfg)
	log := e.log.With("stage", stage)
	if runID := ctxutil.RunID(ctx); runID != "" {
		span.SetAttributes(attribute.String("kg.run_id", runID))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	chunk := make([]graphstore.Mutation, 0, e.cfg.BatchSize)
	stopped := false
	dispatch := func(c []graphstore.Mutation) bool {
		if gctx.Err() != nil {
			return false
		}
		t.dispatched(len(c))
		g.Go(func() error { return e.runChunk(gctx, stage, c, t) })
		return true
	}

	for op := range ops {
		if err := op.Validate(); err != nil {
			t.invalid(op.Key(), ingesterr.InvalidMutation(op.Key(), err))
			log.Warn("mutation rejected before submission", "key", op.Key(), "error", err)
			if t.exceeded() {
				stopped = true
				break
			}
			continue
		}
		chunk = append(chunk, op)
		if len(chunk) >= e.cfg.BatchSize {
			if !dispatch(chunk) {
				stopped = true
				break
			}
			chunk = make([]graphstore.Mutation, 0, e.cfg.BatchSize)
		}
	}
	if !stopped && len(chunk) > 0 {
		dispatch(chunk)
	}

	waitErr := g.Wait()
	rep := t.report(time.Since(start))
	span.SetAttributes(
		attribute.Int("kg.attempted", rep.Attempted),
		attribute.Int("kg.succeeded", rep.Succeeded),
		attribute.Int("kg.failed", rep.Failed),
		attribute.Int("kg.chunks", rep.Chunks),
	)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return rep, fmt.Errorf("batch: %s cancelled after %d chunks: %w", stage, rep.Chunks, err)
	}
	if waitErr != nil && !errors.Is(waitErr, errAbort) {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return rep, waitErr
	}
	if errors.Is(waitErr, errAbort) || t.exceededFinal() {
		rep.Aborted = true
		err := rep.PartialError(e.cfg.MaxReportedKeys)
		span.SetStatus(codes.Error, "aborted")
		log.Error("stage aborted: failure ratio threshold exceeded",
			"attempted", rep.Attempted, "failed", rep.Failed, "threshold", e.cfg.FailureRatioThreshold)
		return rep, err
	}
	return rep, nil
}

func (e *Executor) runChunk(ctx context.Context, stage string, ops []graphstore.Mutation, t *tally) error {
	ctx, span := observability.Tracer().Start(ctx, "batch.chunk")
	defer span.End()
	span.SetAttributes(attribute.String("kg.stage", stage), attribute.Int("kg.ops", len(ops)))

	start := time.Now()
	res, err := e.applyWithRetry(ctx, stage, ops)
	observability.RecordChunk(stage, err, time.Since(start))
	if err == nil {
		t.applied(ops, res)
		e.logRejected(stage, ops, res)
		if t.exceeded() {
			return errAbort
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	span.RecordError(err)
	e.log.Warn("chunk failed; applying operations individually",
		"stage", stage, "ops", len(ops), "first_key", ops[0].Key(), "error", err)

	for i, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		single := []graphstore.Mutation{op}
		res, err := e.applyWithRetry(ctx, stage, single)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ingesterr.IsTransient(err) {
				for _, rest := range ops[i:] {
					t.failed(rest.Key(), err)
				}
				e.log.Error("store unavailable; abandoning chunk",
					"stage", stage, "key", op.Key(), "remaining", len(ops)-i, "error", err)
				return errAbort
			}
			t.failed(op.Key(), err)
			e.log.Warn("operation failed after retries", "stage", stage, "key", op.Key(), "error", err)
			continue
		}
		t.applied(single, res)
		e.logRejected(stage, single, res)
	}
	if t.exceeded() {
		return errAbort
	}
	return nil
}

// applyWithRetry retries only transient store errors; anything else returns at once.
func (e *Executor) applyWithRetry(ctx context.Context, stage string, ops []graphstore.Mutation) (graphstore.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := e.store.Apply(ctx, ops)
		if err == nil {
			return res, nil
		}
		if !ingesterr.IsTransient(err) || attempt >= e.cfg.MaxAttempts {
			return graphstore.Result{}, err
		}
		wait := e.backoff(attempt)
		observability.RecordRetry(stage)
		e.log.Debug("transient store error; retrying",
			"stage", stage, "ops", len(ops), "attempt", attempt, "backoff", wait.String(), "error", err)
		if err := e.sleep(ctx, wait); err != nil {
			return graphstore.Result{}, err
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.MinBackoff << (attempt - 1)
	if d <= 0 || d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	if e.cfg.JitterFrac > 0 {
		j := (rand.Float64()*2 - 1) * e.cfg.JitterFrac * float64(d)
		d += time.Duration(j)
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (e *Executor) logRejected(stage string, ops []graphstore.Mutation, res graphstore.Result) {
	for idx, err := range res.Rejected {
		if idx < 0 || idx >= len(ops) {
			continue
		}
		e.log.Warn("operation rejected by store", "stage", stage, "key", ops[idx].Key(), "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
