package ingest

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sort"

	"github.com/yungbote/tradegraph-kg/internal/batch"
	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/graphstore"
)

type NodeOutput struct {
	Kind trade.NodeKind
	// Distinct is the number of distinct keys after trimming.
	Distinct int
	Report   batch.Report
}

// DistinctKeys trims keys and collapses duplicates, returning them sorted.
func DistinctKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[trade.NormalizeKey(k)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UpsertNodes merges one node per distinct key. A new node gets name = key;
// an existing node keeps its name and only has its bookkeeping refreshed.
// Invalid keys fail individually without being sent.
func (in *Ingester) UpsertNodes(ctx context.Context, kind trade.NodeKind, keys []string) (NodeOutput, error) {
	if !kind.Valid() {
		return NodeOutput{}, fmt.Errorf("ingest: unknown node kind %q", string(kind))
	}
	distinct := DistinctKeys(keys)
	out := NodeOutput{Kind: kind, Distinct: len(distinct)}

	stamp := in.bookkeeping()
	ops := func(yield func(graphstore.Mutation) bool) {
		for _, key := range distinct {
			onCreate := graphstore.Props{graphstore.PropName: key}
			maps.Copy(onCreate, stamp)
			m := graphstore.NodeMutation(graphstore.NodeUpsert{
				Kind:     kind,
				Key:      key,
				OnCreate: onCreate,
				OnMatch:  graphstore.Props(maps.Clone(stamp)),
			})
			if !yield(m) {
				return
			}
		}
	}

	rep, err := in.exec.Execute(ctx, stageFor(kind), iter.Seq[graphstore.Mutation](ops))
	out.Report = rep
	in.log.Info("nodes upserted",
		"kind", string(kind), "distinct", out.Distinct, "succeeded", rep.Succeeded, "failed", rep.Failed)
	return out, err
}

func stageFor(kind trade.NodeKind) string {
	switch kind {
	case trade.KindCountry:
		return "countries"
	case trade.KindSector:
		return "sectors"
	}
	return string(kind)
}
