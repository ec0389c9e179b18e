// Package logger logs every extension hook. Register it first so its lines
// show up before the effects of later extensions.
package logger

import (
	"context"

	"docsync/internal/services/collaboration"

	"github.com/go-logr/logr"
)

type Extension struct {
	log logr.Logger
}

var (
	_ collaboration.OnConnectHook           = (*Extension)(nil)
	_ collaboration.OnLoadDocumentHook      = (*Extension)(nil)
	_ collaboration.AfterLoadDocumentHook   = (*Extension)(nil)
	_ collaboration.OnChangeHook            = (*Extension)(nil)
	_ collaboration.OnStoreDocumentHook     = (*Extension)(nil)
	_ collaboration.OnAwarenessUpdateHook   = (*Extension)(nil)
	_ collaboration.OnStatelessHook         = (*Extension)(nil)
	_ collaboration.OnDisconnectHook        = (*Extension)(nil)
	_ collaboration.AfterUnloadDocumentHook = (*Extension)(nil)
)

func New(log logr.Logger) *Extension {
	return &Extension{log: log.WithName("hooks")}
}

func (e *Extension) Name() string { return "logger" }

func (e *Extension) OnConnect(_ context.Context, p *collaboration.ConnectPayload) error {
	e.log.Info("🔌 New connection", "connection", p.ConnectionID)
	return nil
}

// OnLoadDocument only logs; it returns no state so a persistence extension
// registered after it decides what gets loaded.
func (e *Extension) OnLoadDocument(_ context.Context, name string) ([]byte, error) {
	e.log.V(1).Info("Loading document", "document", name)
	return nil, nil
}

func (e *Extension) AfterLoadDocument(_ context.Context, name string) error {
	e.log.Info("📄 Loaded document", "document", name)
	return nil
}

func (e *Extension) OnChange(_ context.Context, p *collaboration.ChangePayload) error {
	e.log.V(1).Info("✏️  Document changed", "document", p.DocumentName, "connection", p.ConnectionID, "bytes", len(p.Update))
	return nil
}

func (e *Extension) OnStoreDocument(_ context.Context, p *collaboration.StorePayload) error {
	e.log.Info("💾 Storing document", "document", p.DocumentName, "bytes", len(p.State))
	return nil
}

func (e *Extension) OnAwarenessUpdate(_ context.Context, p *collaboration.AwarenessPayload) error {
	e.log.V(1).Info("👀 Awareness updated", "document", p.DocumentName,
		"added", len(p.Change.Added), "updated", len(p.Change.Updated), "removed", len(p.Change.Removed))
	return nil
}

func (e *Extension) OnStateless(_ context.Context, p *collaboration.StatelessPayload) error {
	e.log.V(1).Info("Stateless message", "document", p.DocumentName, "connection", p.ConnectionID)
	return nil
}

func (e *Extension) OnDisconnect(_ context.Context, p *collaboration.DisconnectPayload) error {
	e.log.Info("👋 Connection closed", "connection", p.ConnectionID, "documents", p.Documents)
	return nil
}

func (e *Extension) AfterUnloadDocument(_ context.Context, name string) error {
	e.log.Info("📕 Unloaded document", "document", name)
	return nil
}
