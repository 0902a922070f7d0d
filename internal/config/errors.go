package config

import "fmt"

type ConfigErrorCode string

const (
	ConfigErrorReadFile         ConfigErrorCode = "read_file"
	ConfigErrorParseFile        ConfigErrorCode = "parse_file"
	ConfigErrorInvalidEnv       ConfigErrorCode = "invalid_env"
	ConfigErrorMissingSource    ConfigErrorCode = "missing_source"
	ConfigErrorInvalidTable     ConfigErrorCode = "invalid_table"
	ConfigErrorMissingNeo4jURI  ConfigErrorCode = "missing_neo4j_uri"
	ConfigErrorInvalidNeo4jURI  ConfigErrorCode = "invalid_neo4j_uri"
	ConfigErrorInvalidBatchSize ConfigErrorCode = "invalid_batch_size"
	ConfigErrorInvalidAttempts  ConfigErrorCode = "invalid_max_attempts"
	ConfigErrorInvalidWorkers   ConfigErrorCode = "invalid_concurrency"
	ConfigErrorInvalidRatio     ConfigErrorCode = "invalid_failure_ratio"
	ConfigErrorInvalidBackoff   ConfigErrorCode = "invalid_backoff"
	ConfigErrorInvalidLockTTL   ConfigErrorCode = "invalid_lock_ttl"
	ConfigErrorInvalidLogMode   ConfigErrorCode = "invalid_log_mode"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid kgingest config"
	}
	switch e.Code {
	case ConfigErrorReadFile:
		return fmt.Sprintf("cannot read config file %q: %v", e.Value, e.Cause)
	case ConfigErrorParseFile:
		return fmt.Sprintf("cannot parse config file %q: %v", e.Value, e.Cause)
	case ConfigErrorInvalidEnv:
		return fmt.Sprintf("invalid environment value %s: %v", e.Value, e.Cause)
	case ConfigErrorMissingSource:
		return "DUCKDB_PATH or SOURCE_DSN is required"
	case ConfigErrorInvalidTable:
		return fmt.Sprintf("invalid SOURCE_TABLE=%q; expected an identifier like harmonized_trade_flows", e.Value)
	case ConfigErrorMissingNeo4jURI:
		return "NEO4J_URI is required"
	case ConfigErrorInvalidNeo4jURI:
		return fmt.Sprintf("invalid NEO4J_URI=%q; expected a URL like bolt://localhost:7687", e.Value)
	case ConfigErrorInvalidBatchSize:
		return fmt.Sprintf("invalid KG_BATCH_SIZE=%q; expected positive integer", e.Value)
	case ConfigErrorInvalidAttempts:
		return fmt.Sprintf("invalid KG_MAX_ATTEMPTS=%q; expected positive integer", e.Value)
	case ConfigErrorInvalidWorkers:
		return fmt.Sprintf("invalid KG_CONCURRENCY=%q; expected positive integer", e.Value)
	case ConfigErrorInvalidRatio:
		return fmt.Sprintf("invalid KG_FAILURE_RATIO_THRESHOLD=%q; expected a number in (0, 1]", e.Value)
	case ConfigErrorInvalidBackoff:
		return fmt.Sprintf("invalid backoff %s; expected 0 < KG_MIN_BACKOFF_MS <= KG_MAX_BACKOFF_MS", e.Value)
	case ConfigErrorInvalidLockTTL:
		return fmt.Sprintf("invalid KG_LOCK_TTL_SECONDS=%q; expected positive integer", e.Value)
	case ConfigErrorInvalidLogMode:
		return fmt.Sprintf("invalid LOG_MODE=%q; expected production, development or test", e.Value)
	default:
		return "invalid kgingest config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
