package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StatusQueued          = "queued"
	StatusRunning         = "running"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusFailedPermanent = "failed_permanent"
)

const (
	OpExtract = "extract"
	OpEnrich  = "enrich"
)

// JobRun wraps one record id and one operation. Permanent failures are kept
// so operators can inspect them.
type JobRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType     string         `gorm:"column:job_type;not null;index:idx_job_run_record_op" json:"job_type"`
	RecordID    uuid.UUID      `gorm:"type:uuid;column:record_id;not null;index:idx_job_run_record_op" json:"record_id"`
	RunID       string         `gorm:"column:run_id;index" json:"run_id,omitempty"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Stage       string         `gorm:"column:stage" json:"stage,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	NextRunAt   *time.Time     `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Result      datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (JobRun) TableName() string { return "job_run" }

func (j *JobRun) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	return nil
}

func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailedPermanent
}

// JobResult is the outcome summary a handler stores on job_run.result.
type JobResult struct {
	Extracted      bool     `json:"extracted,omitempty"`
	ValidationFail bool     `json:"validation_failed,omitempty"`
	NeedsReview    bool     `json:"needs_review,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	Hallucinations []string `json:"hallucinations,omitempty"`
	Changes        []string `json:"changes,omitempty"`
	MergedInto     string   `json:"merged_into,omitempty"`
	Relevance      string   `json:"relevance,omitempty"`
	Skipped        string   `json:"skipped,omitempty"`
	Note           string   `json:"note,omitempty"`
}
