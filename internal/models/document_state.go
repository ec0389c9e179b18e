package models

import (
	"time"
)

// DocumentState is the latest stored snapshot of a document. The document
// name is the key: names are chosen by clients, not generated.
type DocumentState struct {
	Name      string    `gorm:"type:text;primaryKey" json:"name"`
	State     []byte    `gorm:"type:bytea;not null" json:"-"` // Full CRDT state as one update
	Size      int       `gorm:"not null;default:0" json:"size"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (DocumentState) TableName() string {
	return "document_states"
}
