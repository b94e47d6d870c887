package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/gazette-ingest/internal/data/repos/jobs"
	"github.com/yungbote/gazette-ingest/internal/data/repos/records"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

type RecordRepo = records.RecordRepo
type JobRunRepo = jobs.JobRunRepo
type StatusCount = jobs.StatusCount

// Set is the bundle of repositories the services and handlers share.
type Set struct {
	Records RecordRepo
	Jobs    JobRunRepo
}

func NewSet(db *gorm.DB, log *logger.Logger) Set {
	return Set{
		Records: records.NewRecordRepo(db, log),
		Jobs:    jobs.NewJobRunRepo(db, log),
	}
}
