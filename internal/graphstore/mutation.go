package graphstore

import (
	"fmt"
	"math"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
)

type Props map[string]any

type MutationKind string

const (
	MutationNode MutationKind = "node_upsert"
	MutationFlow MutationKind = "flow_upsert"
)

// NodeUpsert merges a node by its single key property.
// OnCreate is applied only when the node is created; OnMatch only when it already existed.
type NodeUpsert struct {
	Kind     trade.NodeKind
	Key      string
	OnCreate Props
	OnMatch  Props
}

// FlowUpsert merges a TRADE_FLOW between two existing Country nodes by composite key
// and overwrites its value. Set is applied on both create and match.
type FlowUpsert struct {
	Key   trade.FlowKey
	Value float64
	Set   Props
}

// Mutation is a tagged union: exactly one of Node or Flow is set.
type Mutation struct {
	Node *NodeUpsert
	Flow *FlowUpsert
}

func NodeMutation(n NodeUpsert) Mutation { return Mutation{Node: &n} }
func FlowMutation(f FlowUpsert) Mutation { return Mutation{Flow: &f} }

func (m Mutation) Kind() MutationKind {
	switch {
	case m.Node != nil:
		return MutationNode
	case m.Flow != nil:
		return MutationFlow
	default:
		return ""
	}
}

// Key identifies the mutation's target in logs and failure reports.
func (m Mutation) Key() string {
	switch {
	case m.Node != nil:
		return string(m.Node.Kind) + ":" + m.Node.Key
	case m.Flow != nil:
		return m.Flow.Key.String()
	default:
		return "<empty>"
	}
}

// Validate rejects mutations that no store could apply meaningfully.
func (m Mutation) Validate() error {
	switch {
	case m.Node != nil && m.Flow != nil:
		return fmt.Errorf("mutation carries both node and flow")
	case m.Node != nil:
		return m.Node.Kind.ValidateKey(m.Node.Key)
	case m.Flow != nil:
		k := m.Flow.Key
		if err := trade.KindCountry.ValidateKey(k.Reporter); err != nil {
			return fmt.Errorf("reporter: %w", err)
		}
		if err := trade.KindCountry.ValidateKey(k.Partner); err != nil {
			return fmt.Errorf("partner: %w", err)
		}
		if err := trade.KindSector.ValidateKey(k.Sector); err != nil {
			return err
		}
		if math.IsNaN(m.Flow.Value) || math.IsInf(m.Flow.Value, 0) {
			return fmt.Errorf("value is not finite")
		}
		if m.Flow.Value < 0 {
			return fmt.Errorf("value %v is negative", m.Flow.Value)
		}
		return nil
	default:
		return fmt.Errorf("empty mutation")
	}
}
