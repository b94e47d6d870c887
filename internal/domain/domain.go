package domain

import (
	"github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/domain/records"
)

type (
	Record         = records.Record
	DeadlineChange = records.DeadlineChange
	ChangeEvent    = records.ChangeEvent
	JobRun         = jobs.JobRun
	JobResult      = jobs.JobResult
)

// Models lists every table owned by this service, in migration order.
func Models() []any {
	return []any{
		&records.Record{},
		&jobs.JobRun{},
	}
}
