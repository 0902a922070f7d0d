package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yungbote/tradegraph-kg/internal/config"
	"github.com/yungbote/tradegraph-kg/internal/domain/trade"
	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/observability"
	"github.com/yungbote/tradegraph-kg/internal/observability/prompush"
	"github.com/yungbote/tradegraph-kg/internal/pipeline"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
	"github.com/yungbote/tradegraph-kg/internal/runledger"
	"github.com/yungbote/tradegraph-kg/internal/runlock"
)

var version = "dev"

const (
	exitComplete    = 0
	exitFailed      = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("kgingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file (optional; environment overrides it)")
	schemaPath := fs.String("schema", "", "schema statement file (default: built-in constraints)")
	dryRun := fs.Bool("dry-run", false, "read the source and write to an in-memory graph instead of Neo4j")
	timeout := fs.Duration("timeout", 0, "abort the run after this long (0 = no limit)")
	logMode := fs.String("log-mode", "", "production, development or test (overrides LOG_MODE)")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "kgingest: %v\n", err)
		return exitConfigError
	}
	if s := strings.TrimSpace(*schemaPath); s != "" {
		cfg.Pipeline.SchemaFile = s
	}
	if m := strings.TrimSpace(*logMode); m != "" {
		cfg.LogMode = m
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(stderr, "kgingest: %v\n", err)
			return exitConfigError
		}
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(stderr, "kgingest: init logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	shutdownOTel := observability.InitOTel(ctx, log, cfg.OtelConfig(version))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}()

	if url := strings.TrimSpace(cfg.Observability.PushgatewayURL); url != "" {
		backend, err := prompush.NewBackend(cfg.Observability.PushJob, url)
		if err != nil {
			log.Warn("pushgateway metrics disabled", "error", err)
		} else {
			observability.SetMetricsBackend(backend)
		}
	}

	opts := pipeline.OpenOptions{DryRun: *dryRun}
	if cfg.RunLock.Addr != "" && !*dryRun {
		lock, err := runlock.New(ctx, log, runlock.Config{
			Addr:     cfg.RunLock.Addr,
			Password: cfg.RunLock.Password,
			DB:       cfg.RunLock.DB,
			Key:      cfg.RunLock.Key,
			TTL:      cfg.LockTTL(),
		})
		if err != nil {
			fmt.Fprintf(stderr, "kgingest: %v\n", err)
			return exitFailed
		}
		defer lock.Close()
		opts.Locker = lock
	}
	if cfg.Ledger.DSN != "" {
		ledger, err := runledger.Open(log, cfg.Ledger.DSN)
		if err != nil {
			log.Warn("run ledger disabled", "error", err)
		} else {
			defer ledger.Close()
			opts.Ledger = ledger
		}
	}

	orch, err := pipeline.Open(ctx, cfg, log, opts)
	if err != nil {
		fmt.Fprintf(stderr, "kgingest: %v\n", err)
		return exitFailed
	}
	defer func() {
		if err := orch.Close(context.Background()); err != nil {
			log.Warn("close connections failed", "error", err)
		}
	}()

	rep := orch.Run(ctx)
	rep.WriteText(stderr)
	if mem, ok := orch.Store().(*graphstore.MemStore); ok {
		fmt.Fprintf(stderr, "  dry-run graph: countries=%d sectors=%d trade_flows=%d\n",
			mem.NodeCount(trade.KindCountry), mem.NodeCount(trade.KindSector), mem.EdgeCount())
	}
	if errors.Is(rep.Err, context.DeadlineExceeded) {
		log.Warn("run deadline exceeded", "timeout", timeout.String())
	}
	return rep.ExitCode()
}
