package indexing

import (
	"time"

	"gorm.io/datatypes"
)

// IndexingFailure is the dead-letter ledger for dispatches that keep failing.
// It never changes the record's next_action; it only delays or quarantines re-dispatch.
type IndexingFailure struct {
	ID            uint64         `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID      uint64         `gorm:"column:record_id;not null;uniqueIndex:uidx_indexing_failure_record_action,priority:1" json:"record_id"`
	Action        Action         `gorm:"column:action;type:varchar(16);not null;uniqueIndex:uidx_indexing_failure_record_action,priority:2" json:"action"`
	SiteID        string         `gorm:"column:site_id;type:varchar(128);not null;index" json:"site_id"`
	Attempts      int            `gorm:"column:attempts;not null" json:"attempts"`
	LastError     string         `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	NextAttemptAt time.Time      `gorm:"column:next_attempt_at;not null;index" json:"next_attempt_at"`
	Quarantined   bool           `gorm:"column:quarantined;not null;index" json:"quarantined"`
	Detail        datatypes.JSON `gorm:"column:detail" json:"detail,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (IndexingFailure) TableName() string { return "indexing_failure" }
