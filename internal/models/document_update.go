package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: SNAPSHOT + UPDATE LOG

A snapshot is written on every debounced store. Between two snapshots
each applied update can also be appended to a log, so a crash loses
nothing that was already acknowledged:

  load  = snapshot ⊕ logged updates   (CRDT apply is idempotent)
  store = upsert snapshot, then trim the log behind it
*/

// DocumentUpdate is one logged CRDT update.
type DocumentUpdate struct {
	ID           string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentName string    `gorm:"type:text;not null;index:idx_update_doc_time" json:"document_name"`
	Update       []byte    `gorm:"type:bytea;not null" json:"-"`
	ConnectionID string    `gorm:"type:varchar(27)" json:"connection_id,omitempty"` // Empty for server-side changes
	CreatedAt    time.Time `gorm:"index:idx_update_doc_time" json:"created_at"`
}

// BeforeCreate generates KSUID
func (u *DocumentUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

func (DocumentUpdate) TableName() string {
	return "document_updates"
}
