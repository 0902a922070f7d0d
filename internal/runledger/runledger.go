// Package runledger keeps a table of finished ingestion runs.
package runledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/tradegraph-kg/internal/pipeline"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

type IngestRun struct {
	RunID       string         `gorm:"column:run_id;primaryKey;size:36" json:"run_id"`
	State       string         `gorm:"column:state;not null;index" json:"state"`
	FailedStage string         `gorm:"column:failed_stage" json:"failed_stage,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Degraded    bool           `gorm:"column:degraded;not null;default:false" json:"degraded"`
	DryRun      bool           `gorm:"column:dry_run;not null;default:false" json:"dry_run"`
	Stages      datatypes.JSON `gorm:"column:stages" json:"stages"`
	StartedAt   time.Time      `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt  time.Time      `gorm:"column:finished_at;not null" json:"finished_at"`
}

func (IngestRun) TableName() string { return "kg_ingest_run" }

type stageRow struct {
	Stage      string   `json:"stage"`
	Distinct   int      `json:"distinct"`
	Attempted  int      `json:"attempted"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	FailedKeys []string `json:"failed_keys,omitempty"`
	Aborted    bool     `json:"aborted,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type Ledger struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects by DSN: postgres:// URLs go to Postgres, anything else is a
// SQLite file path. The table is migrated on open.
func Open(log *logger.Logger, dsn string) (*Ledger, error) {
	if log == nil {
		return nil, fmt.Errorf("runledger: logger required")
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("runledger: dsn required")
	}
	var dialector gorm.Dialector
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("runledger: open: %w", err)
	}
	return New(db, log)
}

func New(db *gorm.DB, log *logger.Logger) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("runledger: db required")
	}
	if err := db.AutoMigrate(&IngestRun{}); err != nil {
		return nil, fmt.Errorf("runledger: migrate: %w", err)
	}
	return &Ledger{db: db, log: log.With("component", "RunLedger")}, nil
}

func (l *Ledger) Record(ctx context.Context, rep pipeline.RunReport) error {
	row, err := toRow(rep)
	if err != nil {
		return err
	}
	if err := l.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("runledger: save %s: %w", rep.RunID, err)
	}
	l.log.Debug("run recorded", "run_id", rep.RunID, "state", string(rep.State))
	return nil
}

// Latest returns the most recently started runs, newest first.
func (l *Ledger) Latest(ctx context.Context, limit int) ([]IngestRun, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []IngestRun
	err := l.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rep pipeline.RunReport) (*IngestRun, error) {
	stages := make([]stageRow, 0, len(rep.Stages))
	for _, s := range rep.Stages {
		sr := stageRow{
			Stage:      s.Stage,
			Distinct:   s.Distinct,
			Attempted:  s.Attempted,
			Succeeded:  s.Succeeded,
			Failed:     s.Failed,
			FailedKeys: s.FailedKeys,
			Aborted:    s.Aborted,
			DurationMS: s.Duration.Milliseconds(),
		}
		if s.Err != nil {
			sr.Error = s.Err.Error()
		}
		stages = append(stages, sr)
	}
	raw, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("runledger: encode stages: %w", err)
	}
	row := &IngestRun{
		RunID:       rep.RunID,
		State:       string(rep.State),
		FailedStage: rep.FailedStage,
		Degraded:    rep.Degraded,
		DryRun:      rep.DryRun,
		Stages:      datatypes.JSON(raw),
		StartedAt:   rep.StartedAt.UTC(),
		FinishedAt:  rep.FinishedAt.UTC(),
	}
	if rep.Err != nil {
		row.Error = rep.Err.Error()
	}
	return row, nil
}
