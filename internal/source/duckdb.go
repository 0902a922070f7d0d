package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

func openDuckDB(ctx context.Context, log *logger.Logger, path string, q map[Query]string) (*sqlReader, error) {
	db, err := sql.Open("duckdb", readOnlyDSN(path))
	if err != nil {
		return nil, ingesterr.SourceUnavailable("open", fmt.Errorf("duckdb: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, ingesterr.SourceUnavailable("open", fmt.Errorf("duckdb: ping %s: %w", path, err))
	}
	log.Info("source opened", "backend", "duckdb", "path", path)

	return &sqlReader{
		backend: "duckdb",
		run: func(ctx context.Context, query string) (rowScanner, error) {
			return db.QueryContext(ctx, query)
		},
		sql:     q,
		log:     log.With("component", "SourceReader"),
		closeFn: db.Close,
	}, nil
}

func readOnlyDSN(path string) string {
	if strings.Contains(path, "access_mode=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "access_mode=read_only"
}
