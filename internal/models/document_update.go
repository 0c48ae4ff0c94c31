package models

import "time"

const (
	// DocumentUpdateKindDelta marks a single incremental update appended while a session is live.
	DocumentUpdateKindDelta = "delta"
	// DocumentUpdateKindSnapshot marks a compacted row holding the de-duplicated update set.
	DocumentUpdateKindSnapshot = "snapshot"
)

// DocumentUpdate is one row of the append-only update log kept per document.
type DocumentUpdate struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	DocName   string    `gorm:"size:512;not null;index:idx_document_updates_doc_clock,priority:1" json:"doc_name"`
	Clock     uint64    `gorm:"not null;index:idx_document_updates_doc_clock,priority:2" json:"clock"`
	Kind      string    `gorm:"type:varchar(16);not null;default:delta" json:"kind"`
	Payload   []byte    `gorm:"not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName pins the table name used by every SQL dialect.
func (DocumentUpdate) TableName() string {
	return "document_updates"
}
