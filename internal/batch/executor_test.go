package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

func newTestExecutor(t *testing.T, store graphstore.Store, cfg Config) *Executor {
	t.Helper()
	ex, err := NewExecutor(store, logger.Nop(), cfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	ex.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return ex
}

// sectorOps yields n sector upserts with distinct codes S0000..S(n-1).
func sectorOps(n int) []graphstore.Mutation {
	out := make([]graphstore.Mutation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, graphstore.NodeMutation(graphstore.NodeUpsert{
			Kind:     trade.KindSector,
			Key:      fmt.Sprintf("S%04d", i),
			OnCreate: graphstore.Props{graphstore.PropName: fmt.Sprintf("S%04d", i)},
		}))
	}
	return out
}

func TestExecuteChunksByBatchSize(t *testing.T) {
	store := graphstore.NewMemStore()
	ex := newTestExecutor(t, store, Config{BatchSize: 1000})

	rep, err := ex.Execute(context.Background(), "sectors", slices.Values(sectorOps(2500)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Chunks != 3 || store.ApplyCalls() != 3 {
		t.Fatalf("chunks: want=3 got report=%d store=%d", rep.Chunks, store.ApplyCalls())
	}
	if rep.Attempted != 2500 || rep.Succeeded != 2500 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if store.NodeCount(trade.KindSector) != 2500 {
		t.Fatalf("nodes: want=2500 got=%d", store.NodeCount(trade.KindSector))
	}
	if rep.PartialError(0) != nil {
		t.Fatalf("clean run should have no partial error")
	}
}

func TestExecuteIsolatesMalformedOperation(t *testing.T) {
	store := graphstore.NewMemStore()
	ex := newTestExecutor(t, store, Config{BatchSize: 1000})

	ops := sectorOps(999)
	ops = append(ops[:500], append([]graphstore.Mutation{
		graphstore.NodeMutation(graphstore.NodeUpsert{Kind: trade.KindCountry, Key: "U$A"}),
	}, ops[500:]...)...)

	rep, err := ex.Execute(context.Background(), "mixed", slices.Values(ops))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Attempted != 1000 || rep.Succeeded != 999 || rep.Failed != 1 {
		t.Fatalf("report: attempted=%d succeeded=%d failed=%d", rep.Attempted, rep.Succeeded, rep.Failed)
	}
	if rep.Failures[0].Key != "Country:U$A" || rep.Failures[0].Code != ingesterr.CodeInvalidMutation {
		t.Fatalf("failure: %+v", rep.Failures[0])
	}
	if store.Sends("Country:U$A") != 0 {
		t.Fatalf("invalid operation must never reach the store")
	}
}

func TestExecuteDecomposesPoisonedChunk(t *testing.T) {
	store := graphstore.NewMemStore()
	poison := errors.New("property type conflict")
	store.FailChunk = func(m graphstore.Mutation) error {
		if m.Key() == "Sector:S0437" {
			return poison
		}
		return nil
	}
	ex := newTestExecutor(t, store, Config{BatchSize: 1000})

	rep, err := ex.Execute(context.Background(), "sectors", slices.Values(sectorOps(1000)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Succeeded != 999 || rep.Failed != 1 {
		t.Fatalf("report: succeeded=%d failed=%d", rep.Succeeded, rep.Failed)
	}
	if got := rep.FailedKeys(0); len(got) != 1 || got[0] != "Sector:S0437" {
		t.Fatalf("failed keys: %v", got)
	}
	if !errors.Is(rep.Failures[0].Err, poison) {
		t.Fatalf("failure should carry store error: %v", rep.Failures[0].Err)
	}
	if store.NodeCount(trade.KindSector) != 999 {
		t.Fatalf("nodes: want=999 got=%d", store.NodeCount(trade.KindSector))
	}
	// once inside the chunk, once on its own
	if n := store.Sends("Sector:S0001"); n != 2 {
		t.Fatalf("sends for a good key: want=2 got=%d", n)
	}
	perr := rep.PartialError(0)
	if ingesterr.CodeOf(perr) != ingesterr.CodePartialIngest {
		t.Fatalf("PartialError: %v", perr)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	store := graphstore.NewMemStore()
	store.TransientFailures = 2
	ex := newTestExecutor(t, store, Config{BatchSize: 10, MaxAttempts: 3})

	rep, err := ex.Execute(context.Background(), "sectors", slices.Values(sectorOps(10)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Succeeded != 10 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if store.ApplyCalls() != 3 {
		t.Fatalf("apply calls: want=3 got=%d", store.ApplyCalls())
	}
}

func TestExecuteAbortsWhenStoreStaysDown(t *testing.T) {
	store := graphstore.NewMemStore()
	store.TransientFailures = 1 << 20
	ex := newTestExecutor(t, store, Config{BatchSize: 4, MaxAttempts: 2})

	rep, err := ex.Execute(context.Background(), "sectors", slices.Values(sectorOps(40)))
	if err == nil {
		t.Fatalf("Execute: expected abort error")
	}
	var perr *ingesterr.PartialIngestError
	if !errors.As(err, &perr) || !perr.Aborted {
		t.Fatalf("want aborted PartialIngestError, got=%v", err)
	}
	if !rep.Aborted || rep.Succeeded != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if rep.Chunks >= 10 {
		t.Fatalf("stage should stop early, dispatched %d chunks", rep.Chunks)
	}
	for _, f := range rep.Failures {
		if f.Code != ingesterr.CodeStoreTransient {
			t.Fatalf("failure code: want=%q got=%q", ingesterr.CodeStoreTransient, f.Code)
		}
	}
}

func TestExecuteStopsSplittingWhenStoreIsDown(t *testing.T) {
	store := graphstore.NewMemStore()
	store.TransientFailures = 1 << 30
	ex := newTestExecutor(t, store, Config{
		BatchSize:       1000,
		MaxAttempts:     3,
		MinBackoff:      200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		MaxReportedKeys: 5,
	})
	var slept time.Duration
	ex.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return ctx.Err()
	}

	rep, err := ex.Execute(context.Background(), "sectors", slices.Values(sectorOps(1000)))
	var perr *ingesterr.PartialIngestError
	if !errors.As(err, &perr) || !perr.Aborted {
		t.Fatalf("want aborted PartialIngestError, got=%v", err)
	}
	// the chunk's attempts plus one single operation's attempts
	if n := store.ApplyCalls(); n > 6 {
		t.Fatalf("apply calls: want<=6 got=%d", n)
	}
	if slept > 10*time.Second {
		t.Fatalf("backoff slept: want<=10s got=%v", slept)
	}
	if rep.Failed != 1000 || rep.Succeeded != 0 {
		t.Fatalf("report: succeeded=%d failed=%d", rep.Succeeded, rep.Failed)
	}
	if n := store.Sends("Sector:S0500"); n != 3 {
		t.Fatalf("abandoned key should only ride the chunk attempts: want=3 got=%d", n)
	}
	if len(perr.Keys) != 5 {
		t.Fatalf("error keys: want=5 got=%d", len(perr.Keys))
	}
	if !strings.Contains(err.Error(), "(+995 more)") {
		t.Fatalf("error should count the keys it omits: %v", err)
	}
}

func TestExecuteAbortsOnMajorityInvalid(t *testing.T) {
	store := graphstore.NewMemStore()
	ex := newTestExecutor(t, store, Config{BatchSize: 5})

	ops := make([]graphstore.Mutation, 0, 50)
	for i := 0; i < 50; i++ {
		ops = append(ops, graphstore.NodeMutation(graphstore.NodeUpsert{Kind: trade.KindCountry, Key: fmt.Sprintf("c%02d", i)}))
	}
	rep, err := ex.Execute(context.Background(), "countries", slices.Values(ops))
	if ingesterr.CodeOf(err) != ingesterr.CodePartialIngest {
		t.Fatalf("Execute: want partial ingest abort, got=%v", err)
	}
	if rep.Attempted != 5 {
		t.Fatalf("attempted: want=5 got=%d", rep.Attempted)
	}
	if store.ApplyCalls() != 0 {
		t.Fatalf("nothing valid should have been sent")
	}
}

func TestExecuteReportsDanglingFlowsAndCommitsRest(t *testing.T) {
	ctx := context.Background()
	store := graphstore.NewMemStore()
	for _, code := range []string{"USA", "CHN", "DEU"} {
		if _, err := store.Apply(ctx, []graphstore.Mutation{graphstore.NodeMutation(graphstore.NodeUpsert{Kind: trade.KindCountry, Key: code})}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	ex := newTestExecutor(t, store, Config{BatchSize: 1000})
	flows := []graphstore.Mutation{
		graphstore.FlowMutation(graphstore.FlowUpsert{Key: trade.FlowKey{Year: 2020, Reporter: "USA", Partner: "CHN", Sector: "C10"}, Value: 3000}),
		graphstore.FlowMutation(graphstore.FlowUpsert{Key: trade.FlowKey{Year: 2020, Reporter: "USA", Partner: "FRA", Sector: "C10"}, Value: 1}),
		graphstore.FlowMutation(graphstore.FlowUpsert{Key: trade.FlowKey{Year: 2019, Reporter: "USA", Partner: "DEU", Sector: "C10"}, Value: 500}),
	}
	rep, err := ex.Execute(ctx, "flows", slices.Values(flows))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Succeeded != 2 || rep.Failed != 1 {
		t.Fatalf("report: succeeded=%d failed=%d", rep.Succeeded, rep.Failed)
	}
	if rep.Failures[0].Code != ingesterr.CodeDanglingReference || rep.Failures[0].Key != "2020/USA->FRA/C10" {
		t.Fatalf("failure: %+v", rep.Failures[0])
	}
	if store.EdgeCount() != 2 {
		t.Fatalf("edges: want=2 got=%d", store.EdgeCount())
	}
}

func TestExecuteConcurrentChunks(t *testing.T) {
	store := graphstore.NewMemStore()
	ex := newTestExecutor(t, store, Config{BatchSize: 50, Concurrency: 4})

	rep, err := ex.Execute(context.Background(), "sectors", slices.Values(sectorOps(1234)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rep.Succeeded != 1234 || rep.Chunks != 25 {
		t.Fatalf("report: succeeded=%d chunks=%d", rep.Succeeded, rep.Chunks)
	}
	if store.NodeCount(trade.KindSector) != 1234 {
		t.Fatalf("nodes: want=1234 got=%d", store.NodeCount(trade.KindSector))
	}
	if n := store.Sends("Sector:S0042"); n != 1 {
		t.Fatalf("each key should be sent once, got=%d", n)
	}
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	store := graphstore.NewMemStore()
	ex := newTestExecutor(t, store, Config{BatchSize: 10})
	ctx, cancel := context.WithCancel(context.Background())

	ops := sectorOps(100)
	var feed iter.Seq[graphstore.Mutation] = func(yield func(graphstore.Mutation) bool) {
		for i, op := range ops {
			if i == 25 {
				// let the second chunk reach the store before cancelling
				deadline := time.Now().Add(2 * time.Second)
				for store.ApplyCalls() < 2 && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
				cancel()
			}
			if !yield(op) {
				return
			}
		}
	}
	rep, err := ex.Execute(ctx, "sectors", feed)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute: want context.Canceled got=%v", err)
	}
	if rep.Succeeded != 20 {
		t.Fatalf("applied chunks before cancel: want=20 got=%d", rep.Succeeded)
	}
	if store.NodeCount(trade.KindSector) != 20 {
		t.Fatalf("already-applied chunks must stay: got=%d", store.NodeCount(trade.KindSector))
	}
}

func TestBackoffIsCapped(t *testing.T) {
	ex := newTestExecutor(t, graphstore.NewMemStore(), Config{MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, JitterFrac: 0})
	ex.cfg.JitterFrac = 0
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := ex.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d): want=%v got=%v", i+1, w, got)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.BatchSize != DefaultBatchSize || c.Concurrency != 1 || c.MaxAttempts != 3 || c.FailureRatioThreshold != 0.5 {
		t.Fatalf("defaults: %+v", c)
	}
}
