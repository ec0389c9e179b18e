package collaboration

import (
	"context"
	"fmt"
	"runtime/debug"

	"docsync/internal/awareness"
)

/*
LEARNING: CAPABILITY INTERFACES

An extension implements Name() plus any subset of the hook interfaces
below. The dispatcher type-asserts each extension per hook, so an
extension only pays for what it overrides:

	type auditLog struct{}
	func (auditLog) Name() string { return "audit" }
	func (auditLog) OnChange(ctx context.Context, p *ChangePayload) error { ... }

Hooks run in registration order. onConnect and onAuthenticate stop at the
first rejection; every other hook is isolated: an error or panic is reported
and the next extension still runs.
*/

// Extension is the base every extension implements.
type Extension interface {
	Name() string
}

type ConnectPayload struct {
	ConnectionID string
	Context      *Context
}

type AuthenticatePayload struct {
	ConnectionID string
	DocumentName string
	Token        string
	Context      *Context
	// ReadOnly may be set by a hook to downgrade the connection's scope.
	ReadOnly bool
}

type ChangePayload struct {
	DocumentName string
	Update       []byte
	// ConnectionID is empty for changes made through a DirectConnection.
	ConnectionID string
	Context      *Context
}

type StorePayload struct {
	DocumentName string
	State        []byte
}

type AwarenessPayload struct {
	DocumentName string
	Change       awareness.Change
	States       map[uint64]string
	ConnectionID string
}

type StatelessPayload struct {
	DocumentName string
	ConnectionID string
	Payload      string
	Context      *Context
}

type DisconnectPayload struct {
	ConnectionID string
	Documents    []string
	Context      *Context
}

type OnConnectHook interface {
	OnConnect(ctx context.Context, p *ConnectPayload) error
}

type OnAuthenticateHook interface {
	OnAuthenticate(ctx context.Context, p *AuthenticatePayload) error
}

// OnLoadDocumentHook returns previously stored state, or nil for a new
// document.
type OnLoadDocumentHook interface {
	OnLoadDocument(ctx context.Context, documentName string) ([]byte, error)
}

type AfterLoadDocumentHook interface {
	AfterLoadDocument(ctx context.Context, documentName string) error
}

type OnChangeHook interface {
	OnChange(ctx context.Context, p *ChangePayload) error
}

type OnStoreDocumentHook interface {
	OnStoreDocument(ctx context.Context, p *StorePayload) error
}

type OnAwarenessUpdateHook interface {
	OnAwarenessUpdate(ctx context.Context, p *AwarenessPayload) error
}

type OnStatelessHook interface {
	OnStateless(ctx context.Context, p *StatelessPayload) error
}

type OnDisconnectHook interface {
	OnDisconnect(ctx context.Context, p *DisconnectPayload) error
}

type AfterUnloadDocumentHook interface {
	AfterUnloadDocument(ctx context.Context, documentName string) error
}

// authenticationOptional lets an extension that implements
// OnAuthenticateHook opt out of making authentication mandatory.
type authenticationOptional interface {
	RequiresAuthentication() bool
}

// Hooks builds an extension from plain functions. Nil fields are no-ops.
type Hooks struct {
	ExtensionName   string
	Connect         func(ctx context.Context, p *ConnectPayload) error
	Authenticate    func(ctx context.Context, p *AuthenticatePayload) error
	LoadDocument    func(ctx context.Context, documentName string) ([]byte, error)
	AfterLoad       func(ctx context.Context, documentName string) error
	Change          func(ctx context.Context, p *ChangePayload) error
	StoreDocument   func(ctx context.Context, p *StorePayload) error
	AwarenessUpdate func(ctx context.Context, p *AwarenessPayload) error
	Stateless       func(ctx context.Context, p *StatelessPayload) error
	Disconnect      func(ctx context.Context, p *DisconnectPayload) error
	AfterUnload     func(ctx context.Context, documentName string) error
}

func (h Hooks) Name() string {
	if h.ExtensionName == "" {
		return "hooks"
	}
	return h.ExtensionName
}

func (h Hooks) RequiresAuthentication() bool {
	return h.Authenticate != nil
}

func (h Hooks) OnConnect(ctx context.Context, p *ConnectPayload) error {
	if h.Connect == nil {
		return nil
	}
	return h.Connect(ctx, p)
}

func (h Hooks) OnAuthenticate(ctx context.Context, p *AuthenticatePayload) error {
	if h.Authenticate == nil {
		return nil
	}
	return h.Authenticate(ctx, p)
}

func (h Hooks) OnLoadDocument(ctx context.Context, documentName string) ([]byte, error) {
	if h.LoadDocument == nil {
		return nil, nil
	}
	return h.LoadDocument(ctx, documentName)
}

func (h Hooks) AfterLoadDocument(ctx context.Context, documentName string) error {
	if h.AfterLoad == nil {
		return nil
	}
	return h.AfterLoad(ctx, documentName)
}

func (h Hooks) OnChange(ctx context.Context, p *ChangePayload) error {
	if h.Change == nil {
		return nil
	}
	return h.Change(ctx, p)
}

func (h Hooks) OnStoreDocument(ctx context.Context, p *StorePayload) error {
	if h.StoreDocument == nil {
		return nil
	}
	return h.StoreDocument(ctx, p)
}

func (h Hooks) OnAwarenessUpdate(ctx context.Context, p *AwarenessPayload) error {
	if h.AwarenessUpdate == nil {
		return nil
	}
	return h.AwarenessUpdate(ctx, p)
}

func (h Hooks) OnStateless(ctx context.Context, p *StatelessPayload) error {
	if h.Stateless == nil {
		return nil
	}
	return h.Stateless(ctx, p)
}

func (h Hooks) OnDisconnect(ctx context.Context, p *DisconnectPayload) error {
	if h.Disconnect == nil {
		return nil
	}
	return h.Disconnect(ctx, p)
}

func (h Hooks) AfterUnloadDocument(ctx context.Context, documentName string) error {
	if h.AfterUnload == nil {
		return nil
	}
	return h.AfterUnload(ctx, documentName)
}

// requiresAuthentication reports whether any extension enforces AUTH.
func requiresAuthentication(extensions []Extension) bool {
	for _, ext := range extensions {
		if _, ok := ext.(OnAuthenticateHook); !ok {
			continue
		}
		if opt, ok := ext.(authenticationOptional); ok && !opt.RequiresAuthentication() {
			continue
		}
		return true
	}
	return false
}

// runHooks calls every extension implementing H in registration order.
// With stop set the first failure is returned and later extensions are
// skipped; otherwise each failure goes to report and the loop continues.
func runHooks[H any](extensions []Extension, stop bool, report func(ext Extension, err error), call func(H) error) error {
	for _, ext := range extensions {
		h, ok := ext.(H)
		if !ok {
			continue
		}
		err := safeCall(func() error { return call(h) })
		if err == nil {
			continue
		}
		if stop {
			return fmt.Errorf("%s: %w", ext.Name(), err)
		}
		if report != nil {
			report(ext, err)
		}
	}
	return nil
}

// safeCall turns a panicking hook into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
