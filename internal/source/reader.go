// Package source reads harmonized trade-flow records from the analytical store.
// Connections are read-only and every query shape is fixed.
//
// Rows with a NULL in any of the five flow columns cannot name an edge and are
// left out of every query. Flows counts them first and logs the number, so the
// skip is visible in the run log.
package source

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

type Query string

const (
	QueryCountryCodes Query = "country_codes"
	QuerySectorCodes  Query = "sector_codes"
	QueryTradeFlows   Query = "trade_flows"
)

// queryIncompleteRows counts rows the flow query filters out.
const queryIncompleteRows Query = "incomplete_rows"

const DefaultTable = "harmonized_trade_flows"

type Reader interface {
	// Codes runs QueryCountryCodes or QuerySectorCodes.
	Codes(ctx context.Context, q Query) (*Cursor[string], error)
	// Flows runs QueryTradeFlows.
	Flows(ctx context.Context) (*Cursor[trade.FlowRow], error)
	Close() error
}

type Config struct {
	// DSN is a postgres:// URL or a DuckDB database path.
	DSN   string
	Table string
	// PushdownAggregation groups and sums flows in SQL; otherwise raw rows are
	// returned and the caller holds every raw row in memory while aggregating.
	PushdownAggregation bool
}

// Open picks the backend from the DSN and verifies the connection.
func Open(ctx context.Context, log *logger.Logger, cfg Config) (Reader, error) {
	if log == nil {
		return nil, fmt.Errorf("source: logger required")
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ingesterr.SourceUnavailable("open", fmt.Errorf("empty source DSN"))
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = DefaultTable
	}
	if !identRE.MatchString(table) {
		return nil, fmt.Errorf("source: invalid table name %q", table)
	}
	q := queries(table, cfg.PushdownAggregation)

	if IsPostgresDSN(dsn) {
		return openPostgres(ctx, log, dsn, q)
	}
	return openDuckDB(ctx, log, dsn, q)
}

func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// queries renders the three query shapes. FLOAT8, BIGINT and VARCHAR are
// understood by both DuckDB and Postgres.
func queries(table string, pushdown bool) map[Query]string {
	notNull := `year IS NOT NULL AND reporter_iso IS NOT NULL AND partner_iso IS NOT NULL AND sector_id IS NOT NULL AND harmonized_value IS NOT NULL`
	flows := fmt.Sprintf(`
SELECT CAST(year AS BIGINT), CAST(reporter_iso AS VARCHAR), CAST(partner_iso AS VARCHAR), CAST(sector_id AS VARCHAR), CAST(harmonized_value AS FLOAT8)
FROM %s
WHERE %s
ORDER BY 1, 2, 3, 4, 5`, table, notNull)
	if pushdown {
		flows = fmt.Sprintf(`
SELECT CAST(year AS BIGINT), CAST(reporter_iso AS VARCHAR), CAST(partner_iso AS VARCHAR), CAST(sector_id AS VARCHAR), CAST(SUM(harmonized_value) AS FLOAT8)
FROM %s
WHERE %s
GROUP BY 1, 2, 3, 4
ORDER BY 1, 2, 3, 4`, table, notNull)
	}
	return map[Query]string{
		QueryCountryCodes: fmt.Sprintf(`
SELECT code FROM (
  SELECT CAST(reporter_iso AS VARCHAR) AS code FROM %[1]s WHERE reporter_iso IS NOT NULL
  UNION
  SELECT CAST(partner_iso AS VARCHAR) AS code FROM %[1]s WHERE partner_iso IS NOT NULL
) codes
ORDER BY code`, table),
		QuerySectorCodes: fmt.Sprintf(`
SELECT DISTINCT CAST(sector_id AS VARCHAR) FROM %s WHERE sector_id IS NOT NULL ORDER BY 1`, table),
		QueryTradeFlows: flows,
		queryIncompleteRows: fmt.Sprintf(`
SELECT COUNT(*) FROM %s WHERE NOT (%s)`, table, notNull),
	}
}

// rowScanner is the subset of *sql.Rows and pgx.Rows the readers need.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type runner func(ctx context.Context, sql string) (rowScanner, error)

// sqlReader runs the fixed query set through a backend-specific runner.
type sqlReader struct {
	backend string
	run     runner
	sql     map[Query]string
	log     *logger.Logger
	closeFn func() error
}

func (r *sqlReader) Codes(ctx context.Context, q Query) (*Cursor[string], error) {
	if q != QueryCountryCodes && q != QuerySectorCodes {
		return nil, fmt.Errorf("source: %s is not a code query", q)
	}
	rows, err := r.open(ctx, q)
	if err != nil {
		return nil, err
	}
	next := func() (string, bool, error) {
		if !rows.Next() {
			return "", false, rows.Err()
		}
		var code string
		if err := rows.Scan(&code); err != nil {
			return "", false, err
		}
		return strings.TrimSpace(code), true, nil
	}
	return newCursor(q, next, func() { _ = rows.Close() }), nil
}

func (r *sqlReader) Flows(ctx context.Context) (*Cursor[trade.FlowRow], error) {
	if n, err := r.incompleteRows(ctx); err != nil {
		r.log.Warn("could not count incomplete source rows", "error", err)
	} else if n > 0 {
		r.log.Warn("source rows with NULL columns skipped", "rows", n, "backend", r.backend)
	}
	rows, err := r.open(ctx, QueryTradeFlows)
	if err != nil {
		return nil, err
	}
	next := func() (trade.FlowRow, bool, error) {
		if !rows.Next() {
			return trade.FlowRow{}, false, rows.Err()
		}
		var fr trade.FlowRow
		if err := rows.Scan(&fr.Year, &fr.Reporter, &fr.Partner, &fr.Sector, &fr.Value); err != nil {
			return trade.FlowRow{}, false, err
		}
		fr.Reporter = strings.TrimSpace(fr.Reporter)
		fr.Partner = strings.TrimSpace(fr.Partner)
		fr.Sector = strings.TrimSpace(fr.Sector)
		return fr, true, nil
	}
	return newCursor(QueryTradeFlows, next, func() { _ = rows.Close() }), nil
}

func (r *sqlReader) incompleteRows(ctx context.Context) (int64, error) {
	rows, err := r.open(ctx, queryIncompleteRows)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

func (r *sqlReader) open(ctx context.Context, q Query) (rowScanner, error) {
	rows, err := r.run(ctx, r.sql[q])
	if err != nil {
		return nil, ingesterr.SourceUnavailable(string(q), err)
	}
	r.log.Debug("source query opened", "query", string(q), "backend", r.backend)
	return rows, nil
}

func (r *sqlReader) Close() error {
	if r.closeFn == nil {
		return nil
	}
	err := r.closeFn()
	r.closeFn = nil
	return err
}
