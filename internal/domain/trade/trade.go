// Package trade holds the entities of the trade-flow knowledge graph:
// Country and Sector nodes and the directed TRADE_FLOW relationship between countries.
package trade

import (
	"fmt"
	"strings"
)

type NodeKind string

const (
	KindCountry NodeKind = "Country"
	KindSector  NodeKind = "Sector"
)

func (k NodeKind) Valid() bool {
	return k == KindCountry || k == KindSector
}

// NormalizeKey trims surrounding whitespace; keys are otherwise taken verbatim.
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// ValidateKey reports whether key is an acceptable identifier for a node of kind k.
// Country codes must be exactly three uppercase ASCII letters; sector codes must be non-empty.
func (k NodeKind) ValidateKey(key string) error {
	switch k {
	case KindCountry:
		if !IsISO3(key) {
			return fmt.Errorf("country code %q is not an ISO3 code", key)
		}
	case KindSector:
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("sector code is empty")
		}
	default:
		return fmt.Errorf("unknown node kind %q", string(k))
	}
	return nil
}

func IsISO3(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// FlowRow is one harmonized trade record as read from the source table.
type FlowRow struct {
	Year     int64
	Reporter string
	Partner  string
	Sector   string
	Value    float64
}

func (r FlowRow) Key() FlowKey {
	return FlowKey{
		Year:     r.Year,
		Reporter: NormalizeKey(r.Reporter),
		Partner:  NormalizeKey(r.Partner),
		Sector:   NormalizeKey(r.Sector),
	}
}

// FlowKey is the composite identity of a TRADE_FLOW relationship.
type FlowKey struct {
	Year     int64
	Reporter string
	Partner  string
	Sector   string
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%d/%s->%s/%s", k.Year, k.Reporter, k.Partner, k.Sector)
}

func (k FlowKey) IsSelfFlow() bool {
	return k.Reporter == k.Partner
}

// Compare orders keys by year, reporter, partner, then sector.
func (k FlowKey) Compare(o FlowKey) int {
	switch {
	case k.Year < o.Year:
		return -1
	case k.Year > o.Year:
		return 1
	}
	if c := strings.Compare(k.Reporter, o.Reporter); c != 0 {
		return c
	}
	if c := strings.Compare(k.Partner, o.Partner); c != 0 {
		return c
	}
	return strings.Compare(k.Sector, o.Sector)
}

// Flow is an aggregated TRADE_FLOW: the sum of every FlowRow sharing Key.
type Flow struct {
	Key   FlowKey
	Value float64
	Rows  int
}
