package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: UPSERT WITH GORM

Snapshots are keyed by document name, so a store is an upsert:

  INSERT ... ON CONFLICT (name) DO UPDATE SET state = ..., size = ..., updated_at = ...

clause.OnConflict builds that statement for us. CreatedAt keeps the
value from the first insert.
*/

// DocumentStateRepositoryImpl stores snapshots and the update log.
// Like the other repositories it does not know about the interface its
// consumer declares.
type DocumentStateRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentStateRepository creates a new repository
func NewDocumentStateRepository(db *gorm.DB) *DocumentStateRepositoryImpl {
	return &DocumentStateRepositoryImpl{db: db}
}

// LoadState returns the stored snapshot, or nil when the document was never stored.
func (r *DocumentStateRepositoryImpl) LoadState(ctx context.Context, name string) (*models.DocumentState, error) {
	var state models.DocumentState

	err := r.db.WithContext(ctx).First(&state, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}

	return &state, nil
}

// SaveState upserts the snapshot for name.
func (r *DocumentStateRepositoryImpl) SaveState(ctx context.Context, name string, state []byte) error {
	row := &models.DocumentState{
		Name:  name,
		State: state,
		Size:  len(state),
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "size", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to save document state: %w", err)
	}

	return nil
}

// AppendUpdate logs one applied update.
func (r *DocumentStateRepositoryImpl) AppendUpdate(ctx context.Context, name string, update []byte, connectionID string) error {
	row := &models.DocumentUpdate{
		DocumentName: name,
		Update:       update,
		ConnectionID: connectionID,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to append document update: %w", err)
	}

	return nil
}

// ListUpdates returns the logged updates for name, oldest first.
func (r *DocumentStateRepositoryImpl) ListUpdates(ctx context.Context, name string) ([]*models.DocumentUpdate, error) {
	var updates []*models.DocumentUpdate

	err := r.db.WithContext(ctx).
		Where("document_name = ?", name).
		Order("created_at ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list document updates: %w", err)
	}

	return updates, nil
}

// DeleteUpdatesBefore trims the log. Call it after a snapshot that
// contains every update older than before.
func (r *DocumentStateRepositoryImpl) DeleteUpdatesBefore(ctx context.Context, name string, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("document_name = ? AND created_at < ?", name, before).
		Delete(&models.DocumentUpdate{})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old updates: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// DeleteDocument removes the snapshot and the log in one transaction.
func (r *DocumentStateRepositoryImpl) DeleteDocument(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_name = ?", name).Delete(&models.DocumentUpdate{}).Error; err != nil {
			return fmt.Errorf("failed to delete document updates: %w", err)
		}
		if err := tx.Delete(&models.DocumentState{}, "name = ?", name).Error; err != nil {
			return fmt.Errorf("failed to delete document state: %w", err)
		}
		return nil
	})
}

// ListDocuments returns stored snapshots, most recently updated first,
// without the state bytes.
func (r *DocumentStateRepositoryImpl) ListDocuments(ctx context.Context, limit, offset int) ([]*models.DocumentState, error) {
	var states []*models.DocumentState

	err := r.db.WithContext(ctx).
		Select("name", "size", "created_at", "updated_at").
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return states, nil
}
