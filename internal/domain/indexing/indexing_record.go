package indexing

import (
	"time"
)

const EntityTypeProduct = "product"

// IndexingRecord is the durable sync state of one source entity within one destination site.
//
// (site_id, target_entity_type, target_id) is only logically unique: while an entity changes
// subtype the retiring row (next_action=delete) and the new row (next_action=upsert) coexist.
// The physical key therefore includes the subtype.
type IndexingRecord struct {
	ID                  uint64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SiteID              string     `gorm:"column:site_id;type:varchar(128);not null;uniqueIndex:uidx_indexing_record_identity,priority:1;index:idx_indexing_record_site_action,priority:1" json:"site_id"`
	TargetEntityType    string     `gorm:"column:target_entity_type;type:varchar(64);not null;uniqueIndex:uidx_indexing_record_identity,priority:2" json:"target_entity_type"`
	TargetEntitySubtype string     `gorm:"column:target_entity_subtype;type:varchar(64);not null;default:'';uniqueIndex:uidx_indexing_record_identity,priority:3" json:"target_entity_subtype,omitempty"`
	TargetID            int64      `gorm:"column:target_id;not null;uniqueIndex:uidx_indexing_record_identity,priority:4;index" json:"target_id"`
	TargetParentID      *int64     `gorm:"column:target_parent_id;index" json:"target_parent_id,omitempty"`
	IsIndexable         bool       `gorm:"column:is_indexable;not null" json:"is_indexable"`
	NextAction          Action     `gorm:"column:next_action;type:varchar(16);not null;index:idx_indexing_record_site_action,priority:2" json:"next_action"`
	LastAction          Action     `gorm:"column:last_action;type:varchar(16);not null" json:"last_action"`
	LastActionTimestamp *time.Time `gorm:"column:last_action_timestamp" json:"last_action_timestamp,omitempty"`
	// LockTimestamp is reserved for multi-worker claims and is not enforced.
	LockTimestamp *time.Time `gorm:"column:lock_timestamp" json:"lock_timestamp,omitempty"`
	Retired       bool       `gorm:"column:retired;not null;index" json:"retired"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (IndexingRecord) TableName() string { return "indexing_record" }

// IsRetired reports whether the entity was removed from the destination and nothing is pending.
func (r *IndexingRecord) IsRetired() bool {
	return r != nil && r.Retired && r.NextAction == ActionNone && !r.IsIndexable
}

// Pending reports whether Discovery or the indexability observer proposed an action.
func (r *IndexingRecord) Pending() bool {
	return r != nil && r.NextAction != ActionNone
}
