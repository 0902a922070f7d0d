package source

import (
	"context"
	"slices"
	"sync"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
)

// MemReader answers the fixed queries from rows held in memory, with the same
// result shapes as the SQL readers (raw rows, no pushdown). Useful for fixtures.
type MemReader struct {
	mu   sync.Mutex
	rows []trade.FlowRow

	// Fail makes the given query fail to open, FailAfter makes it fail after n rows.
	Fail      map[Query]error
	FailAfter map[Query]int

	opened map[Query]int
}

func NewMemReader(rows []trade.FlowRow) *MemReader {
	return &MemReader{rows: append([]trade.FlowRow(nil), rows...), opened: map[Query]int{}}
}

// SetRows replaces the source data, as a re-run of the upstream transformation would.
func (m *MemReader) SetRows(rows []trade.FlowRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append([]trade.FlowRow(nil), rows...)
}

// Opened reports how many times q was issued.
func (m *MemReader) Opened(q Query) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[q]
}

func (m *MemReader) Codes(ctx context.Context, q Query) (*Cursor[string], error) {
	rows, err := m.start(ctx, q)
	if err != nil {
		return nil, err
	}
	var codes []string
	for _, r := range rows {
		switch q {
		case QueryCountryCodes:
			codes = append(codes, trade.NormalizeKey(r.Reporter), trade.NormalizeKey(r.Partner))
		case QuerySectorCodes:
			codes = append(codes, trade.NormalizeKey(r.Sector))
		}
	}
	slices.Sort(codes)
	codes = slices.Compact(codes)
	return sliceCursor(q, codes, m.failAfter(q)), nil
}

func (m *MemReader) Flows(ctx context.Context) (*Cursor[trade.FlowRow], error) {
	rows, err := m.start(ctx, QueryTradeFlows)
	if err != nil {
		return nil, err
	}
	return sliceCursor(QueryTradeFlows, rows, m.failAfter(QueryTradeFlows)), nil
}

func (m *MemReader) Close() error { return nil }

func (m *MemReader) start(ctx context.Context, q Query) ([]trade.FlowRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, ingesterr.SourceUnavailable(string(q), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened[q]++
	if err := m.Fail[q]; err != nil {
		return nil, ingesterr.SourceUnavailable(string(q), err)
	}
	return append([]trade.FlowRow(nil), m.rows...), nil
}

func (m *MemReader) failAfter(q Query) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.FailAfter[q]; ok {
		return n
	}
	return -1
}

func sliceCursor[T any](q Query, values []T, failAfter int) *Cursor[T] {
	i := 0
	next := func() (T, bool, error) {
		var zero T
		if failAfter >= 0 && i >= failAfter {
			return zero, false, errStreamBroken
		}
		if i >= len(values) {
			return zero, false, nil
		}
		v := values[i]
		i++
		return v, true, nil
	}
	return newCursor(q, next, nil)
}

type streamError string

func (e streamError) Error() string { return string(e) }

const errStreamBroken = streamError("source: stream interrupted")
