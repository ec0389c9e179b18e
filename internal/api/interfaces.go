package api

import (
	"context"

	"docsync/internal/models"
	"docsync/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the session manager and the repository,
so the interfaces it needs live HERE. Handlers declare exactly the
methods they call, which keeps tests down to small fakes.
*/

// SessionService is what handlers need from the collaboration core
type SessionService interface {
	InstanceID() string
	Documents() []*collaboration.Document
	Document(name string) (*collaboration.Document, bool)
	DocumentCount() int
	ConnectionCount() int
	OpenDirectConnection(ctx context.Context, name string) (*collaboration.DirectConnection, error)
}

// DocumentStore lists and deletes persisted documents. Optional: without
// persistence the storage endpoints are not registered.
type DocumentStore interface {
	ListDocuments(ctx context.Context, limit, offset int) ([]*models.DocumentState, error)
	DeleteDocument(ctx context.Context, name string) error
}
