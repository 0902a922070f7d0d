package pipeline

import (
	"context"
	"fmt"

	"github.com/yungbote/tradegraph-kg/internal/config"
	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
	"github.com/yungbote/tradegraph-kg/internal/platform/neo4jdb"
	"github.com/yungbote/tradegraph-kg/internal/source"
)

type OpenOptions struct {
	// DryRun writes to an in-memory graph instead of Neo4j.
	DryRun bool
	Locker Locker
	Ledger Ledger
}

// Open connects to the source and the graph store and returns an orchestrator
// that owns both connections. Close it when done.
func Open(ctx context.Context, cfg config.Config, log *logger.Logger, opts OpenOptions) (*Orchestrator, error) {
	if log == nil {
		return nil, fmt.Errorf("pipeline: logger required")
	}
	reader, err := openSource(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var store graphstore.Store
	if opts.DryRun {
		store = graphstore.NewMemStore()
		log.Info("dry run: writing to in-memory graph")
	} else {
		client, err := neo4jdb.New(ctx, log, cfg.Neo4jConfig())
		if err != nil {
			_ = reader.Close()
			return nil, err
		}
		neo, err := graphstore.NewNeo4jStore(client, log)
		if err != nil {
			_ = client.Close(ctx)
			_ = reader.Close()
			return nil, err
		}
		store = neo
	}

	o, err := New(Deps{
		Config: cfg,
		Reader: reader,
		Store:  store,
		Log:    log,
		Locker: opts.Locker,
		Ledger: opts.Ledger,
		DryRun: opts.DryRun,
	})
	if err != nil {
		_ = reader.Close()
		_ = store.Close(ctx)
		return nil, err
	}
	return o, nil
}

// Store exposes the graph store, e.g. to inspect a dry run's result.
func (o *Orchestrator) Store() graphstore.Store { return o.store }

func openSource(ctx context.Context, cfg config.Config, log *logger.Logger) (source.Reader, error) {
	attempts := cfg.Pipeline.SourceAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.BatchConfig().MinBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := source.Open(ctx, log, cfg.SourceConfig())
		if err == nil {
			return r, nil
		}
		lastErr = err
		if attempt < attempts {
			log.Warn("source open failed; retrying", "attempt", attempt, "error", err)
			if err := sleepCtx(ctx, backoff<<(attempt-1)); err != nil {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}
