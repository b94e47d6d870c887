package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/gazette-ingest/internal/domain"
)

// At most one live job per (record, operation). Postgres and sqlite both
// accept partial unique indexes.
const activeJobIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_job_run_active_record_op
ON job_run (record_id, job_type)
WHERE status IN ('queued', 'running', 'failed')`

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(types.Models()...); err != nil {
		return err
	}
	if err := db.Exec(activeJobIndex).Error; err != nil {
		return fmt.Errorf("create active job index: %w", err)
	}
	return nil
}
