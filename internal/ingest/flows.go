package ingest

import (
	"context"
	"math"
	"slices"

	"github.com/yungbote/tradegraph-kg/internal/batch"
	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/graphstore"
)

const StageFlows = "flows"

type FlowOutput struct {
	// Distinct is the number of aggregated edges.
	Distinct int
	Rows     int
	Report   batch.Report
}

// Aggregate groups rows by FlowKey and sums each group. Values are summed in
// ascending order so the result does not depend on row order. The output is
// sorted by key.
func Aggregate(rows []trade.FlowRow) []trade.Flow {
	groups := make(map[trade.FlowKey][]float64)
	for _, r := range rows {
		k := r.Key()
		groups[k] = append(groups[k], r.Value)
	}
	out := make([]trade.Flow, 0, len(groups))
	for k, values := range groups {
		slices.Sort(values)
		var sum float64
		for _, v := range values {
			sum += v
		}
		out = append(out, trade.Flow{Key: k, Value: sum, Rows: len(values)})
	}
	slices.SortFunc(out, func(a, b trade.Flow) int { return a.Key.Compare(b.Key) })
	return out
}

// UpsertFlows aggregates rows and merges one TRADE_FLOW per distinct key,
// overwriting the stored value. Edges whose endpoints are missing fail alone.
func (in *Ingester) UpsertFlows(ctx context.Context, rows []trade.FlowRow) (FlowOutput, error) {
	flows := Aggregate(rows)
	out := FlowOutput{Distinct: len(flows), Rows: len(rows)}

	stamp := in.bookkeeping()
	self := 0
	ops := func(yield func(graphstore.Mutation) bool) {
		for _, f := range flows {
			if f.Key.IsSelfFlow() {
				self++
				in.log.Debug("self flow", "key", f.Key.String(), "value", f.Value)
			}
			if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
				in.log.Warn("non-finite flow value", "key", f.Key.String(), "rows", f.Rows)
			}
			m := graphstore.FlowMutation(graphstore.FlowUpsert{
				Key:   f.Key,
				Value: f.Value,
				Set:   graphstore.Props(stamp),
			})
			if !yield(m) {
				return
			}
		}
	}

	rep, err := in.exec.Execute(ctx, StageFlows, ops)
	out.Report = rep
	in.log.Info("flows upserted",
		"rows", out.Rows, "distinct", out.Distinct, "self_flows", self,
		"succeeded", rep.Succeeded, "failed", rep.Failed)
	return out, err
}
