package records

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	CategoryTenders   = "tenders"
	CategoryAuctions  = "auctions"
	CategoryPractices = "practices"
)

const (
	DateSourcePrimary   = "primary"
	DateSourceSecondary = "secondary"
	DateSourceNone      = "none"
)

const (
	ExtractionPending   = "pending"
	ExtractionDone      = "extracted"
	ExtractionFailed    = "failed"
	ExtractionMerged    = "merged"
	ExtractionReview    = "needs_review"
	ChangeKindPostponed = "deadline_postponed"
	ChangeKindMeeting   = "meeting_added"
	ChangeKindPublished = "publication_date_changed"
)

// Record is one procurement notice published in the gazette.
type Record struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SourceID    string    `gorm:"column:source_id;not null;uniqueIndex" json:"source_id"`
	BusinessKey *string   `gorm:"column:business_key;index" json:"business_key,omitempty"`
	Category    string    `gorm:"column:category;not null;index" json:"category"`
	CategoryID  int       `gorm:"column:category_id;not null" json:"category_id"`
	Title       string    `gorm:"column:title;not null" json:"title"`
	Entity      *string   `gorm:"column:entity;index" json:"entity,omitempty"`

	EditionNo  string `gorm:"column:edition_no" json:"edition_no,omitempty"`
	EditionID  int64  `gorm:"column:edition_id" json:"edition_id,omitempty"`
	PageNumber int    `gorm:"column:page_number" json:"page_number,omitempty"`
	PageURL    string `gorm:"column:page_url" json:"page_url,omitempty"`

	PublishedAt     *time.Time `gorm:"column:published_at;index" json:"published_at,omitempty"`
	PublishedSource string     `gorm:"column:published_source;not null;default:'none'" json:"published_source"`
	HijriDate       string     `gorm:"column:hijri_date" json:"hijri_date,omitempty"`

	Deadline         *time.Time `gorm:"column:deadline;index" json:"deadline,omitempty"`
	DeadlineText     *string    `gorm:"column:deadline_text" json:"deadline_text,omitempty"`
	OriginalDeadline *time.Time `gorm:"column:original_deadline" json:"original_deadline,omitempty"`
	DocumentPrice    *string    `gorm:"column:document_price" json:"document_price,omitempty"`
	MeetingDate      *time.Time `gorm:"column:meeting_date" json:"meeting_date,omitempty"`
	MeetingDateText  *string    `gorm:"column:meeting_date_text" json:"meeting_date_text,omitempty"`
	MeetingLocation  *string    `gorm:"column:meeting_location" json:"meeting_location,omitempty"`

	Requirements datatypes.JSONSlice[string] `gorm:"column:requirements" json:"requirements,omitempty"`

	// Body is nil when no tier could produce acceptable text; ExtractionNote says why.
	Body                 *string  `gorm:"column:body" json:"body,omitempty"`
	ExtractionNote       string   `gorm:"column:extraction_note" json:"extraction_note,omitempty"`
	ExtractionStatus     string   `gorm:"column:extraction_status;not null;default:'pending';index" json:"extraction_status"`
	ExtractionTier       string   `gorm:"column:extraction_tier" json:"extraction_tier,omitempty"`
	ExtractionConfidence *float64 `gorm:"column:extraction_confidence" json:"extraction_confidence,omitempty"`
	QualityScore         *float64 `gorm:"column:quality_score" json:"quality_score,omitempty"`
	DocumentURI          string   `gorm:"column:document_uri" json:"document_uri,omitempty"`

	NeedsReview   bool                        `gorm:"column:needs_review;not null;default:false;index" json:"needs_review"`
	ReviewReasons datatypes.JSONSlice[string] `gorm:"column:review_reasons" json:"review_reasons,omitempty"`

	IsPostponed        bool                                `gorm:"column:is_postponed;not null;default:false;index" json:"is_postponed"`
	PostponementReason *string                             `gorm:"column:postponement_reason" json:"postponement_reason,omitempty"`
	DeadlineHistory    datatypes.JSONSlice[DeadlineChange] `gorm:"column:deadline_history" json:"deadline_history,omitempty"`

	Fingerprint          string `gorm:"column:fingerprint;not null;index" json:"fingerprint"`
	ExtractedFingerprint string `gorm:"column:extracted_fingerprint" json:"extracted_fingerprint,omitempty"`

	RelevanceScore      *string                     `gorm:"column:relevance_score;index" json:"relevance_score,omitempty"`
	RelevanceConfidence *float64                    `gorm:"column:relevance_confidence" json:"relevance_confidence,omitempty"`
	Keywords            datatypes.JSONSlice[string] `gorm:"column:keywords" json:"keywords,omitempty"`
	Sectors             datatypes.JSONSlice[string] `gorm:"column:sectors" json:"sectors,omitempty"`
	RecommendedTeam     *string                     `gorm:"column:recommended_team" json:"recommended_team,omitempty"`
	Reasoning           *string                     `gorm:"column:reasoning" json:"reasoning,omitempty"`
	AnalyzedAt          *time.Time                  `gorm:"column:analyzed_at" json:"analyzed_at,omitempty"`

	// MergedIntoID points at the earlier record carrying the same business key.
	MergedIntoID *uuid.UUID `gorm:"type:uuid;column:merged_into_id;index" json:"merged_into_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (Record) TableName() string { return "record" }

func (r *Record) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.PublishedSource == "" {
		r.PublishedSource = DateSourceNone
	}
	if r.ExtractionStatus == "" {
		r.ExtractionStatus = ExtractionPending
	}
	return nil
}

// DeadlineChange is one immutable entry of a record's deadline history.
type DeadlineChange struct {
	Kind       string     `json:"kind"`
	Old        *time.Time `json:"old,omitempty"`
	New        *time.Time `json:"new,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
	Reason     string     `json:"reason,omitempty"`
	SourceID   string     `json:"source_id,omitempty"`
}

// ChangeEvent is emitted by change detection. Postponements are also
// appended to DeadlineHistory; meeting additions are only published.
type ChangeEvent struct {
	Kind       string     `json:"kind"`
	RecordID   uuid.UUID  `json:"record_id"`
	SourceID   string     `json:"source_id,omitempty"`
	Previous   *time.Time `json:"previous,omitempty"`
	Current    *time.Time `json:"current,omitempty"`
	Location   string     `json:"location,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

// AddReviewReason flags the record for manual review, keeping reasons unique.
func (r *Record) AddReviewReason(reason string) {
	if reason == "" {
		return
	}
	r.NeedsReview = true
	for _, existing := range r.ReviewReasons {
		if existing == reason {
			return
		}
	}
	r.ReviewReasons = append(r.ReviewReasons, reason)
}
