package source

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

// writeDuckDB creates a DuckDB file holding a harmonized table with the given rows.
func writeDuckDB(t *testing.T, rows []trade.FlowRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trade.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE harmonized_trade_flows (
		year INTEGER, reporter_iso VARCHAR, partner_iso VARCHAR, sector_id VARCHAR, harmonized_value DECIMAL(18,2))`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, r := range rows {
		if _, err := db.Exec(`INSERT INTO harmonized_trade_flows VALUES (?, ?, ?, ?, ?)`,
			r.Year, r.Reporter, r.Partner, r.Sector, r.Value); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

var scenarioRows = []trade.FlowRow{
	{Year: 2020, Reporter: "USA", Partner: "CHN", Sector: "C10", Value: 1000},
	{Year: 2020, Reporter: "USA", Partner: "CHN", Sector: "C10", Value: 2000},
	{Year: 2019, Reporter: "USA", Partner: "DEU", Sector: "C10", Value: 500},
}

func TestDuckDBReaderQueries(t *testing.T) {
	path := writeDuckDB(t, scenarioRows)
	ctx := context.Background()

	r, err := Open(ctx, logger.Nop(), Config{DSN: path, PushdownAggregation: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	countries, err := r.Codes(ctx, QueryCountryCodes)
	if err != nil {
		t.Fatalf("Codes(countries): %v", err)
	}
	got, err := Drain(countries)
	if err != nil {
		t.Fatalf("drain countries: %v", err)
	}
	if strings.Join(got, ",") != "CHN,DEU,USA" {
		t.Fatalf("countries: got=%v", got)
	}

	sectors, err := r.Codes(ctx, QuerySectorCodes)
	if err != nil {
		t.Fatalf("Codes(sectors): %v", err)
	}
	gotSectors, _ := Drain(sectors)
	if len(gotSectors) != 1 || gotSectors[0] != "C10" {
		t.Fatalf("sectors: got=%v", gotSectors)
	}

	flows, err := r.Flows(ctx)
	if err != nil {
		t.Fatalf("Flows: %v", err)
	}
	fr, err := Drain(flows)
	if err != nil {
		t.Fatalf("drain flows: %v", err)
	}
	if len(fr) != 2 {
		t.Fatalf("aggregated flows: want=2 got=%d (%v)", len(fr), fr)
	}
	if fr[0].Year != 2019 || fr[0].Value != 500 || fr[1].Partner != "CHN" || fr[1].Value != 3000 {
		t.Fatalf("flows: %+v", fr)
	}
}

func TestDuckDBReaderRawRows(t *testing.T) {
	path := writeDuckDB(t, scenarioRows)
	ctx := context.Background()

	r, err := Open(ctx, logger.Nop(), Config{DSN: path, PushdownAggregation: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	flows, err := r.Flows(ctx)
	if err != nil {
		t.Fatalf("Flows: %v", err)
	}
	fr, err := Drain(flows)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(fr) != 3 {
		t.Fatalf("raw flows: want=3 got=%d", len(fr))
	}
}

func TestDuckDBReaderSkipsIncompleteRows(t *testing.T) {
	path := writeDuckDB(t, scenarioRows)
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	for _, stmt := range []string{
		`INSERT INTO harmonized_trade_flows VALUES (2020, 'USA', NULL, 'C10', 7)`,
		`INSERT INTO harmonized_trade_flows VALUES (2021, 'USA', 'CHN', 'C10', NULL)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Close()

	ctx := context.Background()
	r, err := Open(ctx, logger.Nop(), Config{DSN: path, PushdownAggregation: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	n, err := r.(*sqlReader).incompleteRows(ctx)
	if err != nil {
		t.Fatalf("incompleteRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("incomplete rows: want=2 got=%d", n)
	}
	flows, err := r.Flows(ctx)
	if err != nil {
		t.Fatalf("Flows: %v", err)
	}
	fr, err := Drain(flows)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(fr) != 2 {
		t.Fatalf("flows: want=2 got=%d (%v)", len(fr), fr)
	}
}

func TestOpenMissingDuckDBFileIsSourceUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.duckdb")
	_, err := Open(context.Background(), logger.Nop(), Config{DSN: path})
	if !ingesterr.Is(err, ingesterr.CodeSourceUnavailable) {
		t.Fatalf("Open: want source_unavailable got=%v", err)
	}
	if _, statErr := os.Stat(path); statErr == nil {
		t.Fatalf("read-only open must not create the database file")
	}
}

func TestOpenRejectsBadTableName(t *testing.T) {
	_, err := Open(context.Background(), logger.Nop(), Config{DSN: "x.duckdb", Table: "flows; DROP TABLE x"})
	if err == nil {
		t.Fatalf("Open: expected error for bad table name")
	}
}

func TestReadOnlyDSN(t *testing.T) {
	cases := map[string]string{
		"trade.duckdb":                        "trade.duckdb?access_mode=read_only",
		"trade.duckdb?threads=4":              "trade.duckdb?threads=4&access_mode=read_only",
		"trade.duckdb?access_mode=read_write": "trade.duckdb?access_mode=read_write",
	}
	for in, want := range cases {
		if got := readOnlyDSN(in); got != want {
			t.Fatalf("readOnlyDSN(%q): want=%q got=%q", in, want, got)
		}
	}
}

func TestIsPostgresDSN(t *testing.T) {
	if !IsPostgresDSN("postgresql://kg@db/trade") || !IsPostgresDSN("POSTGRES://db/trade") {
		t.Fatalf("postgres URLs not detected")
	}
	if IsPostgresDSN("../data/panipuri.duckdb") {
		t.Fatalf("duckdb path detected as postgres")
	}
}

func TestQueriesPushdownShape(t *testing.T) {
	q := queries("harmonized_trade_flows", true)
	if !strings.Contains(q[QueryTradeFlows], "GROUP BY 1, 2, 3, 4") {
		t.Fatalf("pushdown flows query should group: %s", q[QueryTradeFlows])
	}
	q = queries("harmonized_trade_flows", false)
	if strings.Contains(q[QueryTradeFlows], "GROUP BY") {
		t.Fatalf("raw flows query should not group: %s", q[QueryTradeFlows])
	}
	if !strings.Contains(q[QueryCountryCodes], "UNION") {
		t.Fatalf("country query should union reporter and partner")
	}
}

func TestPostgresReaderIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run postgres source integration tests")
	}
	ctx := context.Background()
	r, err := Open(ctx, logger.Nop(), Config{DSN: dsn, Table: os.Getenv("TEST_POSTGRES_TABLE"), PushdownAggregation: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	c, err := r.Codes(ctx, QueryCountryCodes)
	if err != nil {
		t.Fatalf("Codes: %v", err)
	}
	if _, err := Drain(c); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestMemReaderFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemReader(scenarioRows)
	m.Fail = map[Query]error{QuerySectorCodes: errors.New("connection refused")}
	m.FailAfter = map[Query]int{QueryTradeFlows: 1}

	if _, err := m.Codes(ctx, QuerySectorCodes); !ingesterr.Is(err, ingesterr.CodeSourceUnavailable) {
		t.Fatalf("Codes(sectors): want source_unavailable got=%v", err)
	}
	c, err := m.Flows(ctx)
	if err != nil {
		t.Fatalf("Flows: %v", err)
	}
	rows, err := Drain(c)
	if len(rows) != 1 || !ingesterr.Is(err, ingesterr.CodeSourceUnavailable) {
		t.Fatalf("flows: rows=%d err=%v", len(rows), err)
	}
	if c.Next() {
		t.Fatalf("cursor must not restart after failure")
	}
}

func TestMemReaderDistinctCountries(t *testing.T) {
	m := NewMemReader(append(scenarioRows, trade.FlowRow{Year: 2021, Reporter: "CHN", Partner: "USA", Sector: "C11", Value: 1}))
	c, err := m.Codes(context.Background(), QueryCountryCodes)
	if err != nil {
		t.Fatalf("Codes: %v", err)
	}
	got, _ := Drain(c)
	if strings.Join(got, ",") != "CHN,DEU,USA" {
		t.Fatalf("countries: got=%v", got)
	}
}
