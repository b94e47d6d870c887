package extract_record

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/ingestion/changes"
	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	"github.com/yungbote/gazette-ingest/internal/jobs"
	"github.com/yungbote/gazette-ingest/internal/platform/gcp"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

// Documents downloads the scanned page behind a catalog row.
type Documents interface {
	FetchDocument(ctx context.Context, rec catalog.CatalogRecord) ([]byte, string, error)
}

// Extractor runs the tier cascade over one page.
type Extractor interface {
	Extract(ctx context.Context, doc extractor.Document) (*extractor.Result, error)
}

type Pipeline struct {
	db          *gorm.DB
	log         *logger.Logger
	records     repos.RecordRepo
	queue       jobs.Queue
	docs        Documents
	archive     gcp.Archive
	engine      Extractor
	detector    *changes.Detector
	publisher   changes.Publisher
	maxAttempts int
}

// New wires the extract job. archive and publisher may be nil.
func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	records repos.RecordRepo,
	queue jobs.Queue,
	docs Documents,
	archive gcp.Archive,
	engine Extractor,
	detector *changes.Detector,
	publisher changes.Publisher,
	maxAttempts int,
) *Pipeline {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Pipeline{
		db:          db,
		log:         baseLog.With("job", jobdomain.OpExtract),
		records:     records,
		queue:       queue,
		docs:        docs,
		archive:     archive,
		engine:      engine,
		detector:    detector,
		publisher:   publisher,
		maxAttempts: maxAttempts,
	}
}

func (p *Pipeline) Type() string { return jobdomain.OpExtract }
