package collaboration

import (
	"context"
	"errors"
	"sync/atomic"
)

// DirectConnection is a server-side handle on a document. It counts as a
// connection, so the document stays loaded until Disconnect.
type DirectConnection struct {
	manager  *SessionManager
	document *Document
	closed   atomic.Bool
}

// OpenDirectConnection loads (or joins) a document for server-side access.
func (sm *SessionManager) OpenDirectConnection(ctx context.Context, name string) (*DirectConnection, error) {
	for {
		d, err := sm.GetOrCreateDocument(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := d.addDirect(); errors.Is(err, errDocumentUnloaded) {
			continue
		}
		return &DirectConnection{manager: sm, document: d}, nil
	}
}

func (dc *DirectConnection) Document() *Document {
	return dc.document
}

// ApplyUpdate applies update as a local change: it reaches every socket
// connection, other instances and the onChange hooks.
func (dc *DirectConnection) ApplyUpdate(ctx context.Context, update []byte) (bool, error) {
	if dc.closed.Load() {
		return false, ErrConnectionClosed
	}
	return dc.document.applyUpdate(ctx, update, nil)
}

// Snapshot returns the full document state.
func (dc *DirectConnection) Snapshot() []byte {
	return dc.document.EncodeState()
}

// Disconnect releases the document. Further calls are no-ops.
func (dc *DirectConnection) Disconnect() {
	if !dc.closed.CompareAndSwap(false, true) {
		return
	}
	if dc.document.removeDirect() == 0 {
		d := dc.document
		dc.manager.goBackground(func() { dc.manager.release(d) })
	}
}
