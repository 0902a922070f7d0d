// Package pipeline sequences one ingestion run: schema, countries, sectors,
// then flows. Stages run strictly in order and a failed stage ends the run;
// there is no rollback of earlier stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/tradegraph-kg/internal/batch"
	"github.com/yungbote/tradegraph-kg/internal/config"
	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/ingest"
	"github.com/yungbote/tradegraph-kg/internal/observability"
	"github.com/yungbote/tradegraph-kg/internal/platform/ctxutil"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
	"github.com/yungbote/tradegraph-kg/internal/schema"
	"github.com/yungbote/tradegraph-kg/internal/source"
)

// Locker grants a single-run lease. The returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, holder string) (func(context.Context) error, error)
}

// Ledger persists the outcome of finished runs.
type Ledger interface {
	Record(ctx context.Context, rep RunReport) error
}

type Deps struct {
	Config config.Config
	Reader source.Reader
	Store  graphstore.Store
	Log    *logger.Logger

	// Optional.
	Locker Locker
	Ledger Ledger
	DryRun bool
	Now    func() time.Time
}

type Orchestrator struct {
	cfg    config.Config
	reader source.Reader
	store  graphstore.Store
	log    *logger.Logger
	locker Locker
	ledger Ledger
	dryRun bool
	now    func() time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Reader == nil {
		return nil, fmt.Errorf("pipeline: source reader required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: graph store required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("pipeline: logger required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:    deps.Config,
		reader: deps.Reader,
		store:  deps.Store,
		log:    deps.Log.With("component", "Pipeline"),
		locker: deps.Locker,
		ledger: deps.Ledger,
		dryRun: deps.DryRun,
		now:    now,
		sleep:  sleepCtx,
	}, nil
}

// Close releases the source and graph connections.
func (o *Orchestrator) Close(ctx context.Context) error {
	return errors.Join(o.reader.Close(), o.store.Close(ctx))
}

// Run executes one full ingestion. The returned report is always populated;
// its State is Complete or Failed.
func (o *Orchestrator) Run(ctx context.Context) RunReport {
	runID := uuid.NewString()
	rep := RunReport{RunID: runID, State: StateIdle, DryRun: o.dryRun, StartedAt: o.now()}
	log := o.log.With("run_id", runID)

	ctx = ctxutil.WithRunData(ctx, &ctxutil.RunData{RunID: runID, DryRun: o.dryRun})
	ctx, span := observability.Tracer().Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("kg.run_id", runID), attribute.Bool("kg.dry_run", o.dryRun))

	finish := func() RunReport {
		rep.FinishedAt = o.now()
		if rep.State == StateFailed {
			span.SetStatus(codes.Error, rep.FailedStage)
			log.Error("ingestion run failed", "stage", rep.FailedStage, "error", rep.Err)
		} else {
			log.Info("ingestion run complete", "degraded", rep.Degraded, "duration", rep.FinishedAt.Sub(rep.StartedAt).String())
		}
		span.SetAttributes(attribute.String("kg.state", string(rep.State)))
		if o.ledger != nil {
			if err := o.ledger.Record(context.WithoutCancel(ctx), rep); err != nil {
				log.Warn("run ledger write failed", "error", err)
			}
		}
		if err := observability.FlushMetrics(); err != nil {
			log.Warn("metrics flush failed", "error", err)
		}
		return rep
	}
	advance := func(s State) {
		rep.State = s
		log.Debug("pipeline state", "state", string(s))
	}
	fail := func(stage string, err error) RunReport {
		rep.State = StateFailed
		rep.FailedStage = stage
		rep.Err = err
		span.RecordError(err)
		return finish()
	}

	if o.locker != nil {
		release, err := o.locker.Acquire(ctx, runID)
		if err != nil {
			return fail(StageLock, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("run lease release failed", "error", err)
			}
		}()
	}

	exec, err := batch.NewExecutor(o.store, log, o.cfg.BatchConfig())
	if err != nil {
		return fail(StageSchema, err)
	}
	in, err := ingest.New(ingest.Deps{Executor: exec, Log: log, RunID: runID, Now: o.now})
	if err != nil {
		return fail(StageSchema, err)
	}

	log.Info("ingestion run started", "dry_run", o.dryRun, "batch_size", exec.Config().BatchSize, "concurrency", exec.Config().Concurrency)

	// Schema
	if err := o.applySchema(ctx); err != nil {
		return fail(StageSchema, err)
	}
	advance(StateSchemaApplied)

	// Nodes
	for _, step := range []struct {
		stage string
		kind  trade.NodeKind
		query source.Query
		next  State
	}{
		{StageCountries, trade.KindCountry, source.QueryCountryCodes, StateCountriesLoaded},
		{StageSectors, trade.KindSector, source.QuerySectorCodes, StateSectorsLoaded},
	} {
		start := time.Now()
		keys, err := readWithRetry(ctx, o, step.query, func(ctx context.Context) (*source.Cursor[string], error) {
			return o.reader.Codes(ctx, step.query)
		})
		if err != nil {
			rep.Stages = append(rep.Stages, StageReport{Stage: step.stage, Err: err, Duration: time.Since(start)})
			observability.RecordStage(step.stage, err, time.Since(start))
			return fail(step.stage, err)
		}
		out, err := in.UpsertNodes(ctx, step.kind, keys)
		sr := o.stageReport(step.stage, out.Distinct, out.Report, err, time.Since(start))
		rep.Stages = append(rep.Stages, sr)
		observability.RecordStage(step.stage, err, sr.Duration)
		if err != nil {
			return fail(step.stage, err)
		}
		advance(step.next)
	}

	// Flows
	start := time.Now()
	rows, err := readWithRetry(ctx, o, source.QueryTradeFlows, o.reader.Flows)
	if err != nil {
		rep.Stages = append(rep.Stages, StageReport{Stage: StageFlows, Err: err, Duration: time.Since(start)})
		observability.RecordStage(StageFlows, err, time.Since(start))
		return fail(StageFlows, err)
	}
	out, err := in.UpsertFlows(ctx, rows)
	sr := o.stageReport(StageFlows, out.Distinct, out.Report, err, time.Since(start))
	rep.Stages = append(rep.Stages, sr)
	observability.RecordStage(StageFlows, err, sr.Duration)
	if err != nil {
		return fail(StageFlows, err)
	}
	advance(StateFlowsLoaded)

	advance(StateComplete)
	for _, s := range rep.Stages {
		if s.Failed > 0 {
			rep.Degraded = true
		}
	}
	return finish()
}

func (o *Orchestrator) applySchema(ctx context.Context) error {
	stmts, skipped, err := schema.Load(o.cfg.Pipeline.SchemaFile)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		o.log.Warn("schema statement skipped", "reason", s.Reason, "statement", s.Statement)
	}
	mgr, err := schema.NewManager(o.store, o.log)
	if err != nil {
		return err
	}
	_, err = mgr.Apply(ctx, stmts)
	return err
}

func (o *Orchestrator) stageReport(stage string, distinct int, br batch.Report, err error, d time.Duration) StageReport {
	sr := StageReport{
		Stage:      stage,
		Distinct:   distinct,
		Attempted:  br.Attempted,
		Succeeded:  br.Succeeded,
		Failed:     br.Failed,
		FailedKeys: br.FailedKeys(o.cfg.Pipeline.MaxReportedKeys),
		Aborted:    br.Aborted,
		Duration:   d,
		Err:        err,
	}
	if sr.Err == nil {
		sr.Err = br.PartialError(o.cfg.Pipeline.MaxReportedKeys)
	}
	return sr
}

// readWithRetry drains a whole query before anything is written, so a failed
// attempt leaves the graph untouched and the query can be re-issued.
func readWithRetry[T any](ctx context.Context, o *Orchestrator, q source.Query, open func(context.Context) (*source.Cursor[T], error)) ([]T, error) {
	attempts := o.cfg.Pipeline.SourceAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := o.cfg.BatchConfig().MinBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cur, err := open(ctx)
		if err == nil {
			var rows []T
			rows, err = source.Drain(cur)
			if err == nil {
				o.log.Debug("source query drained", "query", string(q), "rows", len(rows), "attempt", attempt)
				return rows, nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt < attempts {
			o.log.Warn("source query failed; retrying", "query", string(q), "attempt", attempt, "error", err)
			if err := o.sleep(ctx, backoff<<(attempt-1)); err != nil {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
