package graphstore

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
)

type MemNode struct {
	Kind  trade.NodeKind
	Key   string
	Props Props
}

type MemEdge struct {
	Key   trade.FlowKey
	Value float64
	Props Props
}

// MemStore is an in-process Store with the same merge semantics as the Neo4j store.
// It backs dry runs and tests.
type MemStore struct {
	mu     sync.Mutex
	nodes  map[trade.NodeKind]map[string]*MemNode
	edges  map[trade.FlowKey]*MemEdge
	schema []string

	// FailChunk, when set, is consulted for every operation of a chunk; a non-nil
	// error fails the whole chunk and nothing in it is applied.
	FailChunk func(m Mutation) error
	// FailSchema, when set, is returned for statements containing the given substring.
	FailSchema map[string]error
	// TransientFailures makes the next N Apply calls fail with a transient store error.
	TransientFailures int

	applyCalls int
	sends      map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes: map[trade.NodeKind]map[string]*MemNode{},
		edges: map[trade.FlowKey]*MemEdge{},
		sends: map[string]int{},
	}
}

func (s *MemStore) ApplySchema(ctx context.Context, statement string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for substr, err := range s.FailSchema {
		if strings.Contains(statement, substr) {
			return err
		}
	}
	for _, existing := range s.schema {
		if existing == statement {
			return ErrAlreadyExists
		}
	}
	s.schema = append(s.schema, statement)
	return nil
}

func (s *MemStore) Apply(ctx context.Context, ops []Mutation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyCalls++
	for _, op := range ops {
		s.sends[op.Key()]++
	}
	if s.TransientFailures > 0 {
		s.TransientFailures--
		return Result{}, ingesterr.StoreTransient("apply chunk", context.DeadlineExceeded)
	}
	if s.FailChunk != nil {
		for _, op := range ops {
			if err := s.FailChunk(op); err != nil {
				return Result{}, err
			}
		}
	}

	// Nodes first so flows in the same chunk can see them, as in the Neo4j store.
	var res Result
	for _, op := range ops {
		if op.Node == nil {
			continue
		}
		s.mergeNode(op.Node)
	}
	for i, op := range ops {
		if op.Flow == nil {
			continue
		}
		if missing := s.missingEndpoint(op.Flow.Key); missing != "" {
			res = res.reject(i, ingesterr.DanglingReference(op.Key(), missing))
			continue
		}
		s.mergeFlow(op.Flow)
	}
	return res, nil
}

func (s *MemStore) mergeNode(n *NodeUpsert) {
	byKey := s.nodes[n.Kind]
	if byKey == nil {
		byKey = map[string]*MemNode{}
		s.nodes[n.Kind] = byKey
	}
	if existing, ok := byKey[n.Key]; ok {
		maps.Copy(existing.Props, n.OnMatch)
		return
	}
	props := Props{KeyProperty(n.Kind): n.Key}
	maps.Copy(props, n.OnCreate)
	byKey[n.Key] = &MemNode{Kind: n.Kind, Key: n.Key, Props: props}
}

func (s *MemStore) missingEndpoint(k trade.FlowKey) string {
	countries := s.nodes[trade.KindCountry]
	if _, ok := countries[k.Reporter]; !ok {
		return "Country:" + k.Reporter
	}
	if _, ok := countries[k.Partner]; !ok {
		return "Country:" + k.Partner
	}
	return ""
}

func (s *MemStore) mergeFlow(f *FlowUpsert) {
	e, ok := s.edges[f.Key]
	if !ok {
		e = &MemEdge{Key: f.Key, Props: Props{}}
		s.edges[f.Key] = e
	}
	e.Value = f.Value
	maps.Copy(e.Props, f.Set)
}

func (s *MemStore) Close(context.Context) error { return nil }

func (s *MemStore) Node(kind trade.NodeKind, key string) (MemNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[kind][key]
	if !ok {
		return MemNode{}, false
	}
	return MemNode{Kind: n.Kind, Key: n.Key, Props: maps.Clone(n.Props)}, true
}

func (s *MemStore) Edge(key trade.FlowKey) (MemEdge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[key]
	if !ok {
		return MemEdge{}, false
	}
	return MemEdge{Key: e.Key, Value: e.Value, Props: maps.Clone(e.Props)}, true
}

func (s *MemStore) NodeCount(kind trade.NodeKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes[kind])
}

func (s *MemStore) EdgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edges)
}

// Edges returns every edge ordered by key.
func (s *MemStore) Edges() []MemEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemEdge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, MemEdge{Key: e.Key, Value: e.Value, Props: maps.Clone(e.Props)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

func (s *MemStore) Schema() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.schema...)
}

// ApplyCalls is the number of chunks submitted so far, including failed ones.
func (s *MemStore) ApplyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCalls
}

// Sends is how many times an operation with the given key was submitted.
func (s *MemStore) Sends(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[key]
}
