package collaboration

import (
	"errors"

	"github.com/go-logr/logr"
)

var (
	// ErrConnectionClosed is returned for work on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrContextFrozen is returned by Context.Set once authentication finished.
	ErrContextFrozen = errors.New("connection context is frozen after authentication")
	// ErrPermissionDenied wraps rejections from connect and authenticate hooks.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("session manager is shutting down")
	// ErrStoreSkipped is reported when a document whose load failed still
	// cannot be reloaded.
	ErrStoreSkipped = errors.New("store skipped: document state was never loaded")
	// ErrNotAuthenticated is returned for frames on a document that still
	// needs an AUTH token.
	ErrNotAuthenticated = errors.New("document requires authentication")

	errDocumentUnloaded = errors.New("document unloaded")
)

/*
LEARNING: ERROR HANDLER

Failures never travel back to the client's wire session (except a denied
authentication). Every failure lands in exactly one of these callbacks:

  protocol  - a frame that could not be decoded
  storage   - onLoadDocument / onStoreDocument failed
  hook      - any other extension hook failed or panicked
  transport - sending to one connection failed during fan-out
  broadcast - the cross-instance bus failed
*/

// ErrorHandler receives every failure the server swallows.
type ErrorHandler interface {
	OnProtocolError(connectionID string, err error)
	OnStorageError(documentName string, err error)
	OnHookError(extensionName, hookName string, err error)
	OnTransportError(connectionID string, err error)
	OnBroadcastError(documentName string, err error)
}

// LoggingErrorHandler writes every failure to a logger.
type LoggingErrorHandler struct {
	log logr.Logger
}

// NewLoggingErrorHandler is the default ErrorHandler.
func NewLoggingErrorHandler(logger logr.Logger) *LoggingErrorHandler {
	return &LoggingErrorHandler{log: logger.WithName("errors")}
}

func (h *LoggingErrorHandler) OnProtocolError(connectionID string, err error) {
	h.log.Error(err, "⚠️  protocol error", "connection", connectionID)
}

func (h *LoggingErrorHandler) OnStorageError(documentName string, err error) {
	h.log.Error(err, "⚠️  storage error", "document", documentName)
}

func (h *LoggingErrorHandler) OnHookError(extensionName, hookName string, err error) {
	h.log.Error(err, "⚠️  extension hook failed", "extension", extensionName, "hook", hookName)
}

func (h *LoggingErrorHandler) OnTransportError(connectionID string, err error) {
	h.log.Error(err, "⚠️  transport error", "connection", connectionID)
}

func (h *LoggingErrorHandler) OnBroadcastError(documentName string, err error) {
	h.log.Error(err, "⚠️  broadcast error", "document", documentName)
}

// ErrorHandlerFuncs overrides single callbacks. Nil fields fall through to
// Fallback, or are dropped when Fallback is nil.
type ErrorHandlerFuncs struct {
	ProtocolError  func(connectionID string, err error)
	StorageError   func(documentName string, err error)
	HookError      func(extensionName, hookName string, err error)
	TransportError func(connectionID string, err error)
	BroadcastError func(documentName string, err error)
	Fallback       ErrorHandler
}

func (f ErrorHandlerFuncs) OnProtocolError(connectionID string, err error) {
	switch {
	case f.ProtocolError != nil:
		f.ProtocolError(connectionID, err)
	case f.Fallback != nil:
		f.Fallback.OnProtocolError(connectionID, err)
	}
}

func (f ErrorHandlerFuncs) OnStorageError(documentName string, err error) {
	switch {
	case f.StorageError != nil:
		f.StorageError(documentName, err)
	case f.Fallback != nil:
		f.Fallback.OnStorageError(documentName, err)
	}
}

func (f ErrorHandlerFuncs) OnHookError(extensionName, hookName string, err error) {
	switch {
	case f.HookError != nil:
		f.HookError(extensionName, hookName, err)
	case f.Fallback != nil:
		f.Fallback.OnHookError(extensionName, hookName, err)
	}
}

func (f ErrorHandlerFuncs) OnTransportError(connectionID string, err error) {
	switch {
	case f.TransportError != nil:
		f.TransportError(connectionID, err)
	case f.Fallback != nil:
		f.Fallback.OnTransportError(connectionID, err)
	}
}

func (f ErrorHandlerFuncs) OnBroadcastError(documentName string, err error) {
	switch {
	case f.BroadcastError != nil:
		f.BroadcastError(documentName, err)
	case f.Fallback != nil:
		f.Fallback.OnBroadcastError(documentName, err)
	}
}

// countingErrorHandler feeds the error counters before delegating.
type countingErrorHandler struct {
	next ErrorHandler
}

func (h countingErrorHandler) OnProtocolError(connectionID string, err error) {
	protocolErrorsTotal.Inc()
	h.next.OnProtocolError(connectionID, err)
}

func (h countingErrorHandler) OnStorageError(documentName string, err error) {
	storageErrorsTotal.Inc()
	h.next.OnStorageError(documentName, err)
}

func (h countingErrorHandler) OnHookError(extensionName, hookName string, err error) {
	hookErrorsTotal.Inc()
	h.next.OnHookError(extensionName, hookName, err)
}

func (h countingErrorHandler) OnTransportError(connectionID string, err error) {
	transportErrorsTotal.Inc()
	h.next.OnTransportError(connectionID, err)
}

func (h countingErrorHandler) OnBroadcastError(documentName string, err error) {
	broadcastErrorsTotal.Inc()
	h.next.OnBroadcastError(documentName, err)
}
