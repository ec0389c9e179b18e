package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"docsync/internal/broadcast"
	"docsync/internal/crdt"
	"docsync/internal/crdt/rga"
	"docsync/internal/middleware"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

/*
LEARNING: SESSION MANAGER

The manager is the single authority over which documents are loaded in
this process and which connections are open.

Key Concepts:
1. **xsync.MapOf**: concurrent map with atomic LoadOrCompute / Compute, so
   two simultaneous first connections to a document trigger one load
2. **Ready channel**: the first caller loads; everybody else waits on it
3. **Conditional unload**: Compute re-checks "no connections, nothing
   dirty" under the document lock before removing the entry
4. **Cleanup loop**: idle connections are swept every CleanupInterval
*/

const (
	DefaultDebounce          = 2 * time.Second
	DefaultMaxDebounce       = 10 * time.Second
	DefaultAwarenessThrottle = broadcast.DefaultAwarenessThrottle
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultCleanupInterval   = 30 * time.Second

	flushConcurrency = 8
)

// Broadcaster carries local changes to other instances and hands theirs
// back to the Document, which implements broadcast.Receiver.
type Broadcaster interface {
	Subscribe(ctx context.Context, documentName string, r broadcast.Receiver) error
	Unsubscribe(documentName string, r broadcast.Receiver) error
	PublishUpdate(documentName string, update []byte)
	PublishAwareness(documentName string, update []byte)
	Close() error
}

// Configuration is fixed at construction. Zero values take the defaults.
type Configuration struct {
	Debounce          time.Duration
	MaxDebounce       time.Duration
	AwarenessThrottle time.Duration
	IdleTimeout       time.Duration
	CleanupInterval   time.Duration

	Extensions   []Extension
	ErrorHandler ErrorHandler
	Engine       crdt.Engine

	// Bus enables cross-instance sync. Nil runs single-instance.
	Bus           broadcast.Bus
	ChannelPrefix string
	InstanceID    string

	Logger logr.Logger
}

// SessionManager coordinates documents and connections.
type SessionManager struct {
	cfg          Configuration
	log          logr.Logger
	errors       ErrorHandler
	engine       crdt.Engine
	broadcaster  Broadcaster
	requiresAuth bool

	documents   *xsync.MapOf[string, *Document]
	connections *xsync.MapOf[string, *Connection]

	// wg tracks hook goroutines and background unloads
	wg           sync.WaitGroup
	done         chan struct{}
	startOnce    sync.Once
	shuttingDown atomic.Bool
}

// NewSessionManager creates a manager. Call Start to run the cleanup loop.
func NewSessionManager(cfg Configuration) *SessionManager {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxDebounce <= 0 {
		cfg.MaxDebounce = DefaultMaxDebounce
	}
	if cfg.AwarenessThrottle <= 0 {
		cfg.AwarenessThrottle = DefaultAwarenessThrottle
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Engine == nil {
		cfg.Engine = rga.NewEngine()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	log := cfg.Logger.WithName("collaboration")
	handler := cfg.ErrorHandler
	if handler == nil {
		handler = NewLoggingErrorHandler(log)
	}

	sm := &SessionManager{
		cfg:          cfg,
		log:          log,
		errors:       countingErrorHandler{next: handler},
		engine:       cfg.Engine,
		requiresAuth: requiresAuthentication(cfg.Extensions),
		documents:    xsync.NewMapOf[string, *Document](),
		connections:  xsync.NewMapOf[string, *Connection](),
		done:         make(chan struct{}),
	}

	if cfg.Bus != nil {
		sm.broadcaster = broadcast.NewAdapter(cfg.Bus, broadcast.Options{
			Prefix:            cfg.ChannelPrefix,
			InstanceID:        cfg.InstanceID,
			AwarenessThrottle: cfg.AwarenessThrottle,
			Logger:            log,
			OnError:           sm.errors.OnBroadcastError,
		})
	}
	return sm
}

// Start begins the idle-connection sweep.
func (sm *SessionManager) Start() {
	sm.startOnce.Do(func() {
		sm.log.Info("🔄 Starting collaboration session manager...",
			"instance", sm.cfg.InstanceID,
			"debounce", sm.cfg.Debounce.String(),
			"maxDebounce", sm.cfg.MaxDebounce.String(),
			"extensions", len(sm.cfg.Extensions),
		)
		go sm.cleanupLoop()
		sm.log.Info("✓ Collaboration session manager started")
	})
}

// InstanceID identifies this process on the broadcast bus.
func (sm *SessionManager) InstanceID() string {
	return sm.cfg.InstanceID
}

// HandleConnection registers a transport after every onConnect hook
// accepted it. A rejected transport is closed.
func (sm *SessionManager) HandleConnection(ctx context.Context, transport Transport, cctx *Context) (*Connection, error) {
	if sm.shuttingDown.Load() {
		_ = transport.Close()
		return nil, ErrShuttingDown
	}
	if cctx == nil {
		cctx = NewContext(nil)
	}

	c := newConnection(sm, transport, cctx)

	ctx, span := middleware.StartSpan(ctx, "SessionManager.HandleConnection",
		attribute.String("connection.id", c.id),
	)
	defer span.End()

	payload := &ConnectPayload{ConnectionID: c.id, Context: cctx}
	err := runHooks(sm.cfg.Extensions, true, nil, func(h OnConnectHook) error {
		return h.OnConnect(ctx, payload)
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		sm.log.Info("🚫 Connection rejected", "connection", c.id, "reason", err.Error())
		_ = transport.Close()
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	sm.connections.Store(c.id, c)
	activeConnections.Add(1)
	connectionsOpenedTotal.Inc()
	sm.log.V(1).Info("✓ Connection established", "connection", c.id)
	return c, nil
}

// GetOrCreateDocument returns the loaded document, loading it first when
// needed. Concurrent callers for one name share a single load.
func (sm *SessionManager) GetOrCreateDocument(ctx context.Context, name string) (*Document, error) {
	for {
		if sm.shuttingDown.Load() {
			return nil, ErrShuttingDown
		}

		d, loaded := sm.documents.LoadOrCompute(name, func() *Document {
			return newDocument(sm, name)
		})
		if !loaded {
			activeDocuments.Add(1)
			d.load(context.WithoutCancel(ctx))
		}

		select {
		case <-d.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if d.isUnloaded() {
			continue
		}
		return d, nil
	}
}

// attach adds c to the named document, retrying when it raced an unload.
func (sm *SessionManager) attach(ctx context.Context, name string, c *Connection) (*Document, error) {
	for {
		d, err := sm.GetOrCreateDocument(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := d.addConnection(c); errors.Is(err, errDocumentUnloaded) {
			continue
		}
		return d, nil
	}
}

// Document returns a loaded document.
func (sm *SessionManager) Document(name string) (*Document, bool) {
	d, ok := sm.documents.Load(name)
	if !ok || !d.isReady() || d.isUnloaded() {
		return nil, false
	}
	return d, true
}

// Documents returns every loaded document.
func (sm *SessionManager) Documents() []*Document {
	docs := make([]*Document, 0, sm.documents.Size())
	sm.documents.Range(func(_ string, d *Document) bool {
		if d.isReady() {
			docs = append(docs, d)
		}
		return true
	})
	return docs
}

func (sm *SessionManager) DocumentCount() int {
	return sm.documents.Size()
}

func (sm *SessionManager) ConnectionCount() int {
	return sm.connections.Size()
}

// detach is called when a connection leaves a document. The last one out
// flushes and unloads in the background so the transport is never blocked.
func (sm *SessionManager) detach(d *Document, c *Connection) {
	if d.removeConnection(c) > 0 {
		return
	}
	sm.goBackground(func() { sm.release(d) })
}

// release stores pending changes right away and unloads the document if it
// is still unused. A failed store keeps it loaded; the retry timer unloads
// it later.
func (sm *SessionManager) release(d *Document) {
	if err := d.store(context.Background()); err != nil {
		return
	}
	sm.unloadIfIdle(d)
}

// unloadIfIdle removes d from the registry when it has no connections and
// nothing left to store.
func (sm *SessionManager) unloadIfIdle(d *Document) {
	removed := false
	sm.documents.Compute(d.name, func(cur *Document, loaded bool) (*Document, bool) {
		if !loaded {
			return cur, true
		}
		if cur != d {
			return cur, false
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.connections) > 0 || d.direct > 0 || d.dirtyGen != d.storedGen {
			return cur, false
		}
		d.unloaded = true
		removed = true
		return cur, true
	})
	if !removed {
		return
	}

	d.debounce.Stop()
	if sm.broadcaster != nil {
		if err := sm.broadcaster.Unsubscribe(d.name, d); err != nil {
			sm.errors.OnBroadcastError(d.name, err)
		}
	}
	d.doc.Close()

	activeDocuments.Add(-1)
	documentsUnloadedTotal.Inc()
	d.log.Info("📕 Document unloaded")

	ctx := context.Background()
	sm.goHook(ctx, func(ctx context.Context) {
		_ = runHooks(sm.cfg.Extensions, false, sm.reportHook("afterUnloadDocument"), func(h AfterUnloadDocumentHook) error {
			return h.AfterUnloadDocument(ctx, d.name)
		})
	})
}

func (sm *SessionManager) removeConnection(c *Connection) {
	if _, ok := sm.connections.LoadAndDelete(c.id); ok {
		activeConnections.Add(-1)
		connectionsClosedTotal.Inc()
	}
}

// goHook runs fn on its own goroutine with a context that outlives the
// caller's cancellation.
func (sm *SessionManager) goHook(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	sm.goBackground(func() { fn(ctx) })
}

func (sm *SessionManager) goBackground(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *SessionManager) reportHook(hook string) func(Extension, error) {
	return func(ext Extension, err error) {
		sm.errors.OnHookError(ext.Name(), hook, err)
	}
}

func (sm *SessionManager) reportSendFailures(failed []sendFailure) {
	for _, f := range failed {
		sm.errors.OnTransportError(f.connection.id, f.err)
	}
}

func (sm *SessionManager) runChangeHooks(ctx context.Context, p *ChangePayload) {
	_ = runHooks(sm.cfg.Extensions, false, sm.reportHook("onChange"), func(h OnChangeHook) error {
		return h.OnChange(ctx, p)
	})
}

func (sm *SessionManager) runAwarenessHooks(ctx context.Context, p *AwarenessPayload) {
	_ = runHooks(sm.cfg.Extensions, false, sm.reportHook("onAwarenessUpdate"), func(h OnAwarenessUpdateHook) error {
		return h.OnAwarenessUpdate(ctx, p)
	})
}

func (sm *SessionManager) runStatelessHooks(ctx context.Context, p *StatelessPayload) {
	_ = runHooks(sm.cfg.Extensions, false, sm.reportHook("onStateless"), func(h OnStatelessHook) error {
		return h.OnStateless(ctx, p)
	})
}

func (sm *SessionManager) runDisconnectHooks(ctx context.Context, p *DisconnectPayload) {
	_ = runHooks(sm.cfg.Extensions, false, sm.reportHook("onDisconnect"), func(h OnDisconnectHook) error {
		return h.OnDisconnect(ctx, p)
	})
}

func (sm *SessionManager) runAfterLoadHooks(ctx context.Context, name string) {
	_ = runHooks(sm.cfg.Extensions, false, sm.reportHook("afterLoadDocument"), func(h AfterLoadDocumentHook) error {
		return h.AfterLoadDocument(ctx, name)
	})
}

// authenticate runs the onAuthenticate chain; the first rejection wins.
func (sm *SessionManager) authenticate(ctx context.Context, p *AuthenticatePayload) error {
	return runHooks(sm.cfg.Extensions, true, nil, func(h OnAuthenticateHook) error {
		return h.OnAuthenticate(ctx, p)
	})
}

// cleanupLoop periodically closes idle connections and unloads documents
// nobody is attached to.
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(sm.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

func (sm *SessionManager) cleanup() {
	now := time.Now()

	sm.connections.Range(func(id string, c *Connection) bool {
		if now.Sub(c.LastActiveAt()) > sm.cfg.IdleTimeout {
			sm.log.Info("  Cleaning up inactive connection", "connection", id)
			c.Close()
		}
		return true
	})

	sm.documents.Range(func(_ string, d *Document) bool {
		if d.isReady() && d.ConnectionCount() == 0 && !d.debounce.Pending() {
			sm.goBackground(func() { sm.release(d) })
		}
		return true
	})
}

// Shutdown stores every dirty document, closes all connections and waits
// for outstanding hooks until ctx expires.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	if !sm.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	sm.log.Info("🛑 Shutting down session manager...")
	close(sm.done)

	var g errgroup.Group
	g.SetLimit(flushConcurrency)
	sm.documents.Range(func(_ string, d *Document) bool {
		g.Go(func() error {
			d.debounce.Stop()
			select {
			case <-d.ready:
			case <-ctx.Done():
				return ctx.Err()
			}
			return d.store(ctx)
		})
		return true
	})
	flushErr := g.Wait()

	sm.connections.Range(func(_ string, c *Connection) bool {
		c.Close()
		return true
	})

	waited := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("waiting for hooks: %w", ctx.Err())
	}

	if sm.broadcaster != nil {
		if err := sm.broadcaster.Close(); err != nil {
			sm.errors.OnBroadcastError("", err)
		}
	}

	sm.log.Info("✓ Session manager shutdown complete")
	return flushErr
}
