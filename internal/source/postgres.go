package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

func openPostgres(ctx context.Context, log *logger.Logger, dsn string, q map[Query]string) (*sqlReader, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, ingesterr.SourceUnavailable("open", fmt.Errorf("postgres: parse dsn: %w", err))
	}
	pcfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	pcfg.ConnConfig.RuntimeParams["application_name"] = "kgingest"

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, ingesterr.SourceUnavailable("open", fmt.Errorf("postgres: new pool: %w", err))
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, ingesterr.SourceUnavailable("open", fmt.Errorf("postgres: ping: %w", err))
	}
	log.Info("source opened", "backend", "postgres", "dsn", dsn)

	return &sqlReader{
		backend: "postgres",
		run: func(ctx context.Context, query string) (rowScanner, error) {
			rows, err := pool.Query(ctx, query)
			if err != nil {
				return nil, err
			}
			return pgxRows{rows}, nil
		},
		sql: q,
		log: log.With("component", "SourceReader"),
		closeFn: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

type pgxRows struct {
	pgx.Rows
}

func (r pgxRows) Close() error {
	r.Rows.Close()
	return nil
}
