// Package schema loads and applies the graph's constraint and index definitions.
package schema

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/observability"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

//go:embed schema.cypher
var defaultSchema string

// Default returns the built-in constraints: unique Country.iso3_code and
// Sector.id, plus an index on TRADE_FLOW(year, sector).
func Default() string { return defaultSchema }

// Skipped is a statement Parse dropped, with the reason.
type Skipped struct {
	Statement string
	Reason    string
}

// Load reads a semicolon-delimited statement file. An empty path loads Default.
func Load(path string) ([]string, []Skipped, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		stmts, skipped := Parse(defaultSchema)
		return stmts, skipped, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	stmts, skipped := Parse(string(b))
	return stmts, skipped, nil
}

// Parse splits text on ';'. Empty and comment-only pieces are dropped silently;
// pieces whose first keyword is not CREATE or DROP are returned in skipped.
func Parse(text string) (stmts []string, skipped []Skipped) {
	for _, piece := range strings.Split(text, ";") {
		stmt := stripComments(piece)
		if stmt == "" {
			continue
		}
		first := strings.ToUpper(strings.Fields(stmt)[0])
		if first != "CREATE" && first != "DROP" {
			skipped = append(skipped, Skipped{Statement: stmt, Reason: "not a CREATE or DROP statement"})
			continue
		}
		stmts = append(stmts, stmt)
	}
	return stmts, skipped
}

// stripComments removes whole-line // and -- comments and trims the result.
func stripComments(piece string) string {
	var kept []string
	for _, line := range strings.Split(piece, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "//") || strings.HasPrefix(t, "--") {
			continue
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, "\n")
}

type Manager struct {
	store graphstore.Store
	log   *logger.Logger
}

func NewManager(store graphstore.Store, log *logger.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("schema: store required")
	}
	if log == nil {
		return nil, fmt.Errorf("schema: logger required")
	}
	return &Manager{store: store, log: log.With("component", "SchemaManager")}, nil
}

// Apply runs stmts in order. A statement the store reports as already existing
// counts as applied; any other failure stops at that statement.
func (m *Manager) Apply(ctx context.Context, stmts []string) (applied int, err error) {
	ctx, span := observability.Tracer().Start(ctx, "schema.apply")
	defer span.End()
	span.SetAttributes(attribute.Int("kg.statements", len(stmts)))

	start := time.Now()
	defer func() { observability.RecordStage("schema", err, time.Since(start)) }()

	for _, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		switch serr := m.store.ApplySchema(ctx, stmt); {
		case serr == nil:
			m.log.Debug("schema statement applied", "statement", oneLine(stmt))
		case errors.Is(serr, graphstore.ErrAlreadyExists):
			m.log.Debug("schema statement already satisfied", "statement", oneLine(stmt))
		default:
			err = ingesterr.SchemaApplication(stmt, serr)
			span.RecordError(err)
			span.SetStatus(codes.Error, "schema application failed")
			m.log.Error("schema statement failed", "statement", oneLine(stmt), "error", serr)
			return applied, err
		}
		applied++
	}
	m.log.Info("schema applied", "statements", applied)
	return applied, nil
}

func oneLine(s string) string { return strings.Join(strings.Fields(s), " ") }
