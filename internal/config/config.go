// Package config resolves the ingestion run's settings: defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/tradegraph-kg/internal/batch"
	"github.com/yungbote/tradegraph-kg/internal/observability"
	"github.com/yungbote/tradegraph-kg/internal/platform/envutil"
	"github.com/yungbote/tradegraph-kg/internal/platform/neo4jdb"
	"github.com/yungbote/tradegraph-kg/internal/source"
)

type Config struct {
	Source        SourceConfig        `yaml:"source"`
	Graph         GraphConfig         `yaml:"graph"`
	Batch         BatchConfig         `yaml:"batch"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
	RunLock       RunLockConfig       `yaml:"run_lock"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	LogMode       string              `yaml:"log_mode"`
}

type SourceConfig struct {
	// DSN is a DuckDB file path or a postgres:// URL.
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
	// PushdownAggregation sums flow groups in SQL. Disabling it reads every raw
	// row of the table into memory before the flows stage writes anything.
	PushdownAggregation bool `yaml:"pushdown_aggregation"`
}

type GraphConfig struct {
	URI            string `yaml:"uri"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxPoolSize    int    `yaml:"max_pool_size"`
}

type BatchConfig struct {
	Size                  int     `yaml:"size"`
	MaxAttempts           int     `yaml:"max_attempts"`
	Concurrency           int     `yaml:"concurrency"`
	MinBackoffMS          int     `yaml:"min_backoff_ms"`
	MaxBackoffMS          int     `yaml:"max_backoff_ms"`
	FailureRatioThreshold float64 `yaml:"failure_ratio_threshold"`
}

type PipelineConfig struct {
	SchemaFile      string `yaml:"schema_file"`
	SourceAttempts  int    `yaml:"source_attempts"`
	MaxReportedKeys int    `yaml:"max_reported_keys"`
}

type ObservabilityConfig struct {
	PushgatewayURL  string  `yaml:"pushgateway_url"`
	PushJob         string  `yaml:"push_job"`
	OtelEnabled     bool    `yaml:"otel_enabled"`
	OtelEndpoint    string  `yaml:"otel_endpoint"`
	OtelInsecure    bool    `yaml:"otel_insecure"`
	OtelHeaders     string  `yaml:"otel_headers"`
	OtelSampleRatio float64 `yaml:"otel_sample_ratio"`
	Environment     string  `yaml:"environment"`
}

type RunLockConfig struct {
	// Addr empty disables the lease.
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Key        string `yaml:"key"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type LedgerConfig struct {
	// DSN empty disables the ledger. postgres:// URLs use Postgres, anything else is a SQLite path.
	DSN string `yaml:"dsn"`
}

func Default() Config {
	bc := batch.DefaultConfig()
	return Config{
		Source: SourceConfig{
			DSN:                 "../data/panipuri.duckdb",
			Table:               source.DefaultTable,
			PushdownAggregation: true,
		},
		Graph: GraphConfig{
			URI:            "bolt://localhost:7687",
			User:           "neo4j",
			Password:       "password",
			TimeoutSeconds: 30,
			MaxPoolSize:    50,
		},
		Batch: BatchConfig{
			Size:                  bc.BatchSize,
			MaxAttempts:           bc.MaxAttempts,
			Concurrency:           bc.Concurrency,
			MinBackoffMS:          int(bc.MinBackoff / time.Millisecond),
			MaxBackoffMS:          int(bc.MaxBackoff / time.Millisecond),
			FailureRatioThreshold: bc.FailureRatioThreshold,
		},
		Pipeline: PipelineConfig{
			SourceAttempts:  3,
			MaxReportedKeys: 20,
		},
		Observability: ObservabilityConfig{
			PushJob:         "kgingest",
			OtelSampleRatio: 1,
		},
		RunLock: RunLockConfig{
			Key:        "kgingest:run-lock",
			TTLSeconds: 3600,
		},
		LogMode: "development",
	}
}

// Load resolves the configuration. path may be empty. ${VAR} references in the
// file are expanded from the environment before parsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &ConfigError{Code: ConfigErrorReadFile, Value: path, Cause: err}
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, &ConfigError{Code: ConfigErrorParseFile, Value: path, Cause: err}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(dst *string, names ...string) {
		for _, name := range names {
			if v, ok := envutil.Lookup(name); ok {
				*dst = v
				return
			}
		}
	}
	var firstErr error
	setInt := func(dst *int, name string) {
		v, ok := envutil.Lookup(name)
		if !ok || firstErr != nil {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			firstErr = &ConfigError{Code: ConfigErrorInvalidEnv, Value: name + "=" + strconv.Quote(v), Cause: err}
			return
		}
		*dst = n
	}
	setFloat := func(dst *float64, name string) {
		v, ok := envutil.Lookup(name)
		if !ok || firstErr != nil {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			firstErr = &ConfigError{Code: ConfigErrorInvalidEnv, Value: name + "=" + strconv.Quote(v), Cause: err}
			return
		}
		*dst = f
	}

	setString(&cfg.Source.DSN, "SOURCE_DSN", "DUCKDB_PATH")
	setString(&cfg.Source.Table, "SOURCE_TABLE")
	cfg.Source.PushdownAggregation = envutil.Bool("SOURCE_PUSHDOWN_AGGREGATION", cfg.Source.PushdownAggregation)

	setString(&cfg.Graph.URI, "NEO4J_URI")
	setString(&cfg.Graph.User, "NEO4J_USER")
	setString(&cfg.Graph.Password, "NEO4J_PASSWORD")
	setString(&cfg.Graph.Database, "NEO4J_DATABASE")
	setInt(&cfg.Graph.TimeoutSeconds, "NEO4J_TIMEOUT_SECONDS")
	setInt(&cfg.Graph.MaxPoolSize, "NEO4J_MAX_POOL_SIZE")

	setString(&cfg.Pipeline.SchemaFile, "KG_SCHEMA_FILE")
	setInt(&cfg.Batch.Size, "KG_BATCH_SIZE")
	setInt(&cfg.Batch.MaxAttempts, "KG_MAX_ATTEMPTS")
	setInt(&cfg.Batch.Concurrency, "KG_CONCURRENCY")
	setFloat(&cfg.Batch.FailureRatioThreshold, "KG_FAILURE_RATIO_THRESHOLD")
	setInt(&cfg.Batch.MinBackoffMS, "KG_MIN_BACKOFF_MS")
	setInt(&cfg.Batch.MaxBackoffMS, "KG_MAX_BACKOFF_MS")
	setInt(&cfg.Pipeline.SourceAttempts, "KG_SOURCE_ATTEMPTS")
	setInt(&cfg.Pipeline.MaxReportedKeys, "KG_MAX_REPORTED_KEYS")

	setString(&cfg.RunLock.Addr, "REDIS_ADDR")
	setString(&cfg.RunLock.Password, "REDIS_PASSWORD")
	setInt(&cfg.RunLock.TTLSeconds, "KG_LOCK_TTL_SECONDS")
	setString(&cfg.Ledger.DSN, "KG_LEDGER_DSN")

	setString(&cfg.Observability.PushgatewayURL, "PUSHGATEWAY_URL")
	setString(&cfg.Observability.Environment, "APP_ENV")
	cfg.Observability.OtelEnabled = envutil.Bool("OTEL_ENABLED", cfg.Observability.OtelEnabled)
	setString(&cfg.Observability.OtelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Observability.OtelHeaders, "OTEL_EXPORTER_OTLP_HEADERS")
	cfg.Observability.OtelInsecure = envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Observability.OtelInsecure)
	setFloat(&cfg.Observability.OtelSampleRatio, "OTEL_SAMPLER_RATIO")

	setString(&cfg.LogMode, "LOG_MODE")
	return firstErr
}

var tableRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.DSN) == "" {
		return &ConfigError{Code: ConfigErrorMissingSource}
	}
	if t := strings.TrimSpace(c.Source.Table); t != "" && !tableRE.MatchString(t) {
		return &ConfigError{Code: ConfigErrorInvalidTable, Value: t}
	}
	uri := strings.TrimSpace(c.Graph.URI)
	if uri == "" {
		return &ConfigError{Code: ConfigErrorMissingNeo4jURI}
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return &ConfigError{Code: ConfigErrorInvalidNeo4jURI, Value: uri, Cause: err}
	}
	if c.Batch.Size <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidBatchSize, Value: strconv.Itoa(c.Batch.Size)}
	}
	if c.Batch.MaxAttempts <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidAttempts, Value: strconv.Itoa(c.Batch.MaxAttempts)}
	}
	if c.Batch.Concurrency <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidWorkers, Value: strconv.Itoa(c.Batch.Concurrency)}
	}
	if r := c.Batch.FailureRatioThreshold; r <= 0 || r > 1 {
		return &ConfigError{Code: ConfigErrorInvalidRatio, Value: strconv.FormatFloat(r, 'g', -1, 64)}
	}
	if c.Batch.MinBackoffMS <= 0 || c.Batch.MaxBackoffMS < c.Batch.MinBackoffMS {
		return &ConfigError{Code: ConfigErrorInvalidBackoff, Value: fmt.Sprintf("%dms..%dms", c.Batch.MinBackoffMS, c.Batch.MaxBackoffMS)}
	}
	if c.RunLock.Addr != "" && c.RunLock.TTLSeconds <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidLockTTL, Value: strconv.Itoa(c.RunLock.TTLSeconds)}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogMode)) {
	case "", "production", "prod", "development", "dev", "test":
	default:
		return &ConfigError{Code: ConfigErrorInvalidLogMode, Value: c.LogMode}
	}
	return nil
}

func (c Config) SourceConfig() source.Config {
	return source.Config{
		DSN:                 strings.TrimSpace(c.Source.DSN),
		Table:               strings.TrimSpace(c.Source.Table),
		PushdownAggregation: c.Source.PushdownAggregation,
	}
}

func (c Config) Neo4jConfig() neo4jdb.Config {
	return neo4jdb.Config{
		URI:         strings.TrimSpace(c.Graph.URI),
		User:        c.Graph.User,
		Password:    c.Graph.Password,
		Database:    strings.TrimSpace(c.Graph.Database),
		Timeout:     time.Duration(c.Graph.TimeoutSeconds) * time.Second,
		MaxPoolSize: c.Graph.MaxPoolSize,
	}
}

func (c Config) BatchConfig() batch.Config {
	return batch.Config{
		BatchSize:             c.Batch.Size,
		MaxAttempts:           c.Batch.MaxAttempts,
		Concurrency:           c.Batch.Concurrency,
		MinBackoff:            time.Duration(c.Batch.MinBackoffMS) * time.Millisecond,
		MaxBackoff:            time.Duration(c.Batch.MaxBackoffMS) * time.Millisecond,
		JitterFrac:            batch.DefaultConfig().JitterFrac,
		FailureRatioThreshold: c.Batch.FailureRatioThreshold,
		MaxReportedKeys:       c.Pipeline.MaxReportedKeys,
	}
}

func (c Config) OtelConfig(version string) observability.OtelConfig {
	return observability.OtelConfig{
		Enabled:     c.Observability.OtelEnabled,
		ServiceName: "kgingest",
		Environment: c.Observability.Environment,
		Version:     version,
		Endpoint:    c.Observability.OtelEndpoint,
		Insecure:    c.Observability.OtelInsecure,
		Headers:     observability.ParseHeaders(c.Observability.OtelHeaders),
		SampleRatio: c.Observability.OtelSampleRatio,
	}
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.RunLock.TTLSeconds) * time.Second
}
