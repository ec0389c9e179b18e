// Package database persists documents through a repository: a snapshot on
// every store and, optionally, an append-only log of applied updates so a
// crash between two stores loses nothing.
package database

import (
	"context"
	"fmt"
	"time"

	"docsync/internal/crdt"
	"docsync/internal/models"
	"docsync/internal/services/collaboration"

	"github.com/go-logr/logr"
)

// Repository is the storage this extension needs. The gorm implementation
// lives in internal/repository.
type Repository interface {
	LoadState(ctx context.Context, name string) (*models.DocumentState, error)
	SaveState(ctx context.Context, name string, state []byte) error
	AppendUpdate(ctx context.Context, name string, update []byte, connectionID string) error
	ListUpdates(ctx context.Context, name string) ([]*models.DocumentUpdate, error)
	DeleteUpdatesBefore(ctx context.Context, name string, before time.Time) (int64, error)
}

type Options struct {
	// LogUpdates appends every applied update to the log.
	LogUpdates bool
	// Retention keeps logged updates this long after a snapshot covering
	// them was written. Defaults to one minute.
	Retention time.Duration
	Logger    logr.Logger
}

type Extension struct {
	repo   Repository
	engine crdt.Engine
	opts   Options
	log    logr.Logger
}

var (
	_ collaboration.OnLoadDocumentHook  = (*Extension)(nil)
	_ collaboration.OnStoreDocumentHook = (*Extension)(nil)
	_ collaboration.OnChangeHook        = (*Extension)(nil)
)

// New returns the extension. engine merges the snapshot with logged updates
// on load and must be the engine the server runs.
func New(repo Repository, engine crdt.Engine, opts Options) *Extension {
	if opts.Retention <= 0 {
		opts.Retention = time.Minute
	}
	return &Extension{
		repo:   repo,
		engine: engine,
		opts:   opts,
		log:    opts.Logger.WithName("database"),
	}
}

func (e *Extension) Name() string { return "database" }

// OnLoadDocument returns the snapshot merged with every logged update.
func (e *Extension) OnLoadDocument(ctx context.Context, name string) ([]byte, error) {
	state, err := e.repo.LoadState(ctx, name)
	if err != nil {
		return nil, err
	}

	var updates []*models.DocumentUpdate
	if e.opts.LogUpdates {
		if updates, err = e.repo.ListUpdates(ctx, name); err != nil {
			return nil, err
		}
	}

	switch {
	case state == nil && len(updates) == 0:
		return nil, nil
	case len(updates) == 0:
		return state.State, nil
	}

	doc := e.engine.NewDoc()
	defer doc.Close()
	if state != nil {
		if err := doc.ApplyUpdate(state.State); err != nil {
			return nil, fmt.Errorf("apply snapshot: %w", err)
		}
	}
	for _, u := range updates {
		if err := doc.ApplyUpdate(u.Update); err != nil {
			return nil, fmt.Errorf("apply logged update %s: %w", u.ID, err)
		}
	}

	e.log.V(1).Info("Merged update log", "document", name, "updates", len(updates))
	return doc.EncodeStateAsUpdate(), nil
}

// OnStoreDocument upserts the snapshot and trims the log behind it.
func (e *Extension) OnStoreDocument(ctx context.Context, p *collaboration.StorePayload) error {
	started := time.Now()
	if err := e.repo.SaveState(ctx, p.DocumentName, p.State); err != nil {
		return err
	}
	if !e.opts.LogUpdates {
		return nil
	}

	// Trimming is best effort; the next store tries again.
	deleted, err := e.repo.DeleteUpdatesBefore(ctx, p.DocumentName, started.Add(-e.opts.Retention))
	if err != nil {
		e.log.Error(err, "⚠️  Failed to trim update log", "document", p.DocumentName)
		return nil
	}
	if deleted > 0 {
		e.log.V(1).Info("Trimmed update log", "document", p.DocumentName, "deleted", deleted)
	}
	return nil
}

func (e *Extension) OnChange(ctx context.Context, p *collaboration.ChangePayload) error {
	if !e.opts.LogUpdates {
		return nil
	}
	return e.repo.AppendUpdate(ctx, p.DocumentName, p.Update, p.ConnectionID)
}
