package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
	"github.com/yungbote/tradegraph-kg/internal/platform/neo4jdb"
)

// Neo4jStore applies each chunk as one explicit write transaction. Explicit
// transactions are used instead of ExecuteWrite so the driver does not retry on
// its own; retry policy belongs to the batch executor.
type Neo4jStore struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func NewNeo4jStore(client *neo4jdb.Client, log *logger.Logger) (*Neo4jStore, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("graphstore: neo4j client required")
	}
	if log == nil {
		return nil, fmt.Errorf("graphstore: logger required")
	}
	return &Neo4jStore{client: client, log: log.With("component", "Neo4jStore")}, nil
}

func (s *Neo4jStore) ApplySchema(ctx context.Context, statement string) error {
	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	res, err := session.Run(ctx, statement, nil)
	if err == nil {
		_, err = res.Consume(ctx)
	}
	if err == nil {
		return nil
	}
	if isAlreadyExists(err) {
		return ErrAlreadyExists
	}
	return classify("apply schema", err)
}

func (s *Neo4jStore) Apply(ctx context.Context, ops []Mutation) (Result, error) {
	if len(ops) == 0 {
		return Result{}, nil
	}
	plan := planChunk(ops)

	session := s.client.WriteSession(ctx)
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return Result{}, classify("begin transaction", err)
	}
	defer tx.Close(ctx)

	for _, kind := range []trade.NodeKind{trade.KindCountry, trade.KindSector} {
		rows := plan.nodes[kind]
		if len(rows) == 0 {
			continue
		}
		res, err := tx.Run(ctx, nodeMergeCypher(kind), map[string]any{"rows": rows})
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return Result{}, classify("merge "+string(kind)+" nodes", err)
		}
	}

	written := map[int]bool{}
	if len(plan.flows) > 0 {
		res, err := tx.Run(ctx, flowMergeCypher, map[string]any{"rows": plan.flows})
		if err != nil {
			_ = tx.Rollback(ctx)
			return Result{}, classify("merge flows", err)
		}
		records, err := res.Collect(ctx)
		if err != nil {
			_ = tx.Rollback(ctx)
			return Result{}, classify("merge flows", err)
		}
		for _, rec := range records {
			if v, ok := rec.Get("idx"); ok {
				if idx, ok := v.(int64); ok {
					written[int(idx)] = true
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, classify("commit", err)
	}

	var out Result
	for _, idx := range plan.flowIdx {
		if !written[idx] {
			out = out.reject(idx, ingesterr.DanglingReference(ops[idx].Key(), "Country:"+ops[idx].Flow.Key.Reporter+" or Country:"+ops[idx].Flow.Key.Partner))
		}
	}
	return out, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

type chunkPlan struct {
	nodes   map[trade.NodeKind][]map[string]any
	flows   []map[string]any
	flowIdx []int
}

func planChunk(ops []Mutation) chunkPlan {
	p := chunkPlan{nodes: map[trade.NodeKind][]map[string]any{}}
	for i, op := range ops {
		switch {
		case op.Node != nil:
			p.nodes[op.Node.Kind] = append(p.nodes[op.Node.Kind], map[string]any{
				"key":       op.Node.Key,
				"on_create": propsOrEmpty(op.Node.OnCreate),
				"on_match":  propsOrEmpty(op.Node.OnMatch),
			})
		case op.Flow != nil:
			k := op.Flow.Key
			p.flows = append(p.flows, map[string]any{
				"idx":      int64(i),
				"year":     k.Year,
				"reporter": k.Reporter,
				"partner":  k.Partner,
				"sector":   k.Sector,
				"value":    op.Flow.Value,
				"props":    propsOrEmpty(op.Flow.Set),
			})
			p.flowIdx = append(p.flowIdx, i)
		}
	}
	return p
}

func propsOrEmpty(p Props) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return map[string]any(p)
}

// Labels and property names cannot be parameters, so they are spliced from a closed set.
func nodeMergeCypher(kind trade.NodeKind) string {
	return fmt.Sprintf(`
UNWIND $rows AS r
MERGE (n:%s {%s: r.key})
ON CREATE SET n += r.on_create
ON MATCH SET n += r.on_match
`, string(kind), KeyProperty(kind))
}

var flowMergeCypher = fmt.Sprintf(`
UNWIND $rows AS r
MATCH (s:%[1]s {%[2]s: r.reporter})
MATCH (t:%[1]s {%[2]s: r.partner})
MERGE (s)-[f:%[3]s {year: r.year, sector: r.sector}]->(t)
SET f.value = r.value, f += r.props
RETURN r.idx AS idx
`, string(trade.KindCountry), KeyProperty(trade.KindCountry), RelTradeFlow)

func isAlreadyExists(err error) bool {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		return strings.Contains(nerr.Code, "AlreadyExists")
	}
	return false
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) || errors.Is(err, context.DeadlineExceeded) {
		return ingesterr.StoreTransient(op, err)
	}
	return fmt.Errorf("graphstore: %s: %w", op, err)
}
