package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ThreadTracking is the append-only audit row written once per ask
// invocation and completed when the pipeline finishes or fails.
type ThreadTracking struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID   string    `json:"user_id" gorm:"type:varchar(255);not null;index;index:idx_thread_tracking_user_thread"`
	ThreadID string    `json:"thread_id" gorm:"type:varchar(255);not null;index;index:idx_thread_tracking_user_thread"`

	QueryText   string         `json:"query_text" gorm:"type:text;not null"`
	DocIDs      pq.StringArray `json:"doc_ids" gorm:"type:text[];index:,type:gin"`
	FinalAnswer string         `json:"final_answer,omitempty" gorm:"type:text"`

	GraphState    datatypes.JSON `json:"graphstate,omitempty" gorm:"type:jsonb"`
	IngestionMeta datatypes.JSON `json:"ingestion_meta,omitempty" gorm:"type:jsonb"`

	EntryPoint   string `json:"entry_point" gorm:"type:varchar(64)"`
	PipelineType string `json:"pipeline_type" gorm:"type:varchar(64)"`
	CrossDoc     bool   `json:"cross_doc" gorm:"default:false"`

	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb;default:'{}'"`

	CreatedAt   time.Time  `json:"created_at" gorm:"not null;default:now();index"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (ThreadTracking) TableName() string {
	return "thread_tracking"
}
