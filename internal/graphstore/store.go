// Package graphstore applies typed graph mutations to a property-graph store.
package graphstore

import (
	"context"
	"errors"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
)

const (
	RelTradeFlow = "TRADE_FLOW"
	PropName     = "name"
)

// ErrAlreadyExists is returned by ApplySchema when the structure a statement creates is already present.
var ErrAlreadyExists = errors.New("graphstore: schema element already exists")

// Store applies mutations in chunks. Apply is atomic per call: either the whole chunk
// commits (minus individually rejected operations) or nothing does and an error is returned.
type Store interface {
	ApplySchema(ctx context.Context, statement string) error
	Apply(ctx context.Context, ops []Mutation) (Result, error)
	Close(ctx context.Context) error
}

// Result reports operations of a committed chunk that the store declined,
// keyed by their index in the submitted slice. Typical cause: a dangling endpoint.
type Result struct {
	Rejected map[int]error
}

func (r Result) reject(i int, err error) Result {
	if r.Rejected == nil {
		r.Rejected = map[int]error{}
	}
	r.Rejected[i] = err
	return r
}

// KeyProperty is the unique property a node of kind is merged on.
func KeyProperty(kind trade.NodeKind) string {
	switch kind {
	case trade.KindCountry:
		return "iso3_code"
	case trade.KindSector:
		return "id"
	default:
		return "key"
	}
}
