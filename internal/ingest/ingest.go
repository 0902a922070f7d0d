// Package ingest turns source records into graph mutations: deduplicated node
// upserts for countries and sectors, and aggregated TRADE_FLOW upserts.
package ingest

import (
	"fmt"
	"time"

	"github.com/yungbote/tradegraph-kg/internal/batch"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

// Property names written alongside every node and edge of a run.
const (
	PropLastRunID = "last_run_id"
	PropSyncedAt  = "synced_at"
)

type Deps struct {
	Executor *batch.Executor
	Log      *logger.Logger
	// RunID is stamped on every write.
	RunID string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Ingester struct {
	exec  *batch.Executor
	log   *logger.Logger
	runID string
	now   func() time.Time
}

func New(deps Deps) (*Ingester, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("ingest: executor required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("ingest: logger required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Ingester{
		exec:  deps.Executor,
		log:   deps.Log.With("component", "Ingester"),
		runID: deps.RunID,
		now:   now,
	}, nil
}

func (in *Ingester) bookkeeping() map[string]any {
	return map[string]any{
		PropLastRunID: in.runID,
		PropSyncedAt:  in.now().UTC().Format(time.RFC3339Nano),
	}
}
