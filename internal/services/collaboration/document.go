package collaboration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docsync/internal/awareness"
	"docsync/internal/crdt"
	"docsync/internal/middleware"
	"docsync/internal/protocol"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ONE LOCK PER DOCUMENT

Everything mutable about a document (CRDT state, connection set,
awareness table, dirty generation) sits behind d.mu. Local updates,
remote updates from other instances and awareness changes all take that
same lock, so they are linearized without any cross-document coupling.

Fan-out happens while holding the lock, which is fine because
Transport.Send only queues. Extension hooks and bus publishes never run
under the lock.
*/

// Document is a loaded shared document.
type Document struct {
	name    string
	manager *SessionManager
	log     logr.Logger

	mu          sync.Mutex
	doc         crdt.Doc
	connections map[*Connection]struct{}
	direct      int
	awareness   *awareness.Table
	dirtyGen    uint64
	storedGen   uint64
	unloaded    bool
	loadFailed  bool
	loadedAt    time.Time
	lastChange  time.Time

	// storeMu serializes store hooks for this document.
	storeMu  sync.Mutex
	debounce *debouncer

	ready chan struct{}
}

// DocumentStats is a point-in-time view used by the admin API.
type DocumentStats struct {
	Name             string    `json:"name"`
	Connections      int       `json:"connections"`
	AwarenessClients int       `json:"awareness_clients"`
	Dirty            bool      `json:"dirty"`
	SavePending      bool      `json:"save_pending"`
	LoadedAt         time.Time `json:"loaded_at"`
	LastChangeAt     time.Time `json:"last_change_at,omitempty"`
}

func newDocument(sm *SessionManager, name string) *Document {
	d := &Document{
		name:        name,
		manager:     sm,
		log:         sm.log.WithName("document").WithValues("document", name),
		doc:         sm.engine.NewDoc(),
		connections: make(map[*Connection]struct{}),
		awareness:   awareness.NewTable(),
		loadedAt:    time.Now(),
		ready:       make(chan struct{}),
	}
	d.debounce = newDebouncer(sm.cfg.Debounce, sm.cfg.MaxDebounce, d.onDebounce)
	return d
}

func (d *Document) Name() string {
	return d.name
}

// ConnectionCount counts socket and direct connections.
func (d *Document) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections) + d.direct
}

// IsDirty reports whether changes have not been stored yet.
func (d *Document) IsDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirtyGen != d.storedGen
}

// EncodeState returns the full document state as one update.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.EncodeStateAsUpdate()
}

// AwarenessStates returns the live awareness states by client id.
func (d *Document) AwarenessStates() map[uint64]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.awareness.States()
}

func (d *Document) Stats() DocumentStats {
	d.mu.Lock()
	stats := DocumentStats{
		Name:             d.name,
		Connections:      len(d.connections) + d.direct,
		AwarenessClients: d.awareness.Len(),
		Dirty:            d.dirtyGen != d.storedGen,
		LoadedAt:         d.loadedAt,
		LastChangeAt:     d.lastChange,
	}
	d.mu.Unlock()
	stats.SavePending = d.debounce.Pending()
	return stats
}

func (d *Document) isReady() bool {
	select {
	case <-d.ready:
		return true
	default:
		return false
	}
}

func (d *Document) isUnloaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unloaded
}

// load seeds the CRDT from every onLoadDocument hook and subscribes to the
// cross-instance channels. Failures are reported and the document stays
// usable, but it is not stored until a later load succeeds.
func (d *Document) load(ctx context.Context) {
	defer close(d.ready)

	ctx, span := middleware.StartSpan(ctx, "Document.Load", attribute.String("document.name", d.name))
	defer span.End()

	sm := d.manager
	if err := d.loadState(ctx); err != nil {
		d.mu.Lock()
		d.loadFailed = true
		d.mu.Unlock()
	}

	if sm.broadcaster != nil {
		if err := sm.broadcaster.Subscribe(ctx, d.name, d); err != nil {
			sm.errors.OnBroadcastError(d.name, err)
		}
	}

	documentsLoadedTotal.Inc()
	d.log.Info("📄 Document loaded")

	sm.goHook(ctx, func(ctx context.Context) {
		sm.runAfterLoadHooks(ctx, d.name)
	})
}

// loadState merges the state returned by every onLoadDocument hook into
// the CRDT. Each failure is reported; the first one is returned.
func (d *Document) loadState(ctx context.Context) error {
	sm := d.manager
	var (
		firstErr error
		failed   []sendFailure
	)
	_ = runHooks(sm.cfg.Extensions, false, func(ext Extension, err error) {
		err = fmt.Errorf("%s: onLoadDocument: %w", ext.Name(), err)
		if firstErr == nil {
			firstErr = err
		}
		middleware.AddSpanError(ctx, err)
		sm.errors.OnStorageError(d.name, err)
	}, func(h OnLoadDocumentHook) error {
		state, err := h.OnLoadDocument(ctx, d.name)
		if err != nil || len(state) == 0 {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if err := d.doc.ApplyUpdate(state); err != nil {
			return err
		}
		// on a reload, clients already attached have not seen the stored state
		failed = append(failed, d.broadcastLocked(protocol.NewUpdate(d.name, state), nil)...)
		return nil
	})
	sm.reportSendFailures(failed)
	return firstErr
}

// addConnection fails once the document has been unloaded; the caller then
// asks the manager for a fresh instance.
func (d *Document) addConnection(c *Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return errDocumentUnloaded
	}
	d.connections[c] = struct{}{}
	return nil
}

func (d *Document) removeConnection(c *Connection) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.connections, c)
	return len(d.connections) + d.direct
}

func (d *Document) addDirect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return errDocumentUnloaded
	}
	d.direct++
	return nil
}

func (d *Document) removeDirect() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.direct > 0 {
		d.direct--
	}
	return len(d.connections) + d.direct
}

// syncStep1 answers a peer's state vector. Caller sends the frames.
func (d *Document) syncStep1(stateVector []byte) (diff, localVector []byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if diff, err = d.doc.EncodeDiff(stateVector); err != nil {
		return nil, nil, err
	}
	return diff, d.doc.EncodeStateVector(), nil
}

func (d *Document) stateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.EncodeStateVector()
}

// applyUpdate applies an update that originated in this process, from a
// socket connection (origin) or a direct connection (origin nil). Updates
// without changes are ignored and reported as not applied.
func (d *Document) applyUpdate(ctx context.Context, update []byte, origin *Connection) (bool, error) {
	if !d.manager.engine.HasChanges(update) {
		return false, nil
	}

	failed, err := d.apply(update)
	d.manager.reportSendFailures(failed)
	if err != nil {
		return false, err
	}

	updatesAppliedTotal.Inc()
	d.debounce.Touch()

	if b := d.manager.broadcaster; b != nil {
		b.PublishUpdate(d.name, update)
	}

	p := &ChangePayload{DocumentName: d.name, Update: update}
	if origin != nil {
		p.ConnectionID = origin.id
		p.Context = origin.context
	}
	d.manager.goHook(ctx, func(ctx context.Context) {
		d.manager.runChangeHooks(ctx, p)
	})
	return true, nil
}

// ApplyRemoteUpdate applies an update another instance published. It fans
// out to local connections only and is never republished.
func (d *Document) ApplyRemoteUpdate(update []byte) {
	if !d.isReady() || !d.manager.engine.HasChanges(update) {
		return
	}
	failed, err := d.apply(update)
	d.manager.reportSendFailures(failed)
	if err != nil {
		d.manager.errors.OnBroadcastError(d.name, fmt.Errorf("apply remote update: %w", err))
		return
	}
	remoteUpdatesTotal.Inc()
	d.debounce.Touch()
}

// apply mutates the CRDT and fans the update out to every connection,
// including the one it came from.
func (d *Document) apply(update []byte) ([]sendFailure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unloaded {
		return nil, errDocumentUnloaded
	}
	if err := d.doc.ApplyUpdate(update); err != nil {
		return nil, err
	}
	d.dirtyGen++
	d.lastChange = time.Now()

	return d.broadcastLocked(protocol.NewUpdate(d.name, update), nil), nil
}

// applyAwareness merges an awareness update from a local connection and
// re-broadcasts the raw bytes to everybody else when something changed.
func (d *Document) applyAwareness(ctx context.Context, update []byte, origin *Connection) (awareness.Change, error) {
	change, states, failed, err := d.mergeAwareness(update, origin)
	d.manager.reportSendFailures(failed)
	if err != nil || change.Empty() {
		return change, err
	}

	if b := d.manager.broadcaster; b != nil {
		b.PublishAwareness(d.name, update)
	}

	p := &AwarenessPayload{DocumentName: d.name, Change: change, States: states}
	if origin != nil {
		p.ConnectionID = origin.id
	}
	d.manager.goHook(ctx, func(ctx context.Context) {
		d.manager.runAwarenessHooks(ctx, p)
	})
	return change, nil
}

// ApplyRemoteAwareness merges awareness published by another instance.
func (d *Document) ApplyRemoteAwareness(update []byte) {
	if !d.isReady() {
		return
	}
	_, _, failed, err := d.mergeAwareness(update, nil)
	d.manager.reportSendFailures(failed)
	if err != nil {
		d.manager.errors.OnBroadcastError(d.name, fmt.Errorf("apply remote awareness: %w", err))
	}
}

func (d *Document) mergeAwareness(update []byte, origin *Connection) (awareness.Change, map[uint64]string, []sendFailure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	change, err := d.awareness.Apply(update, time.Now())
	if err != nil || change.Empty() {
		return change, nil, nil, err
	}
	failed := d.broadcastLocked(protocol.NewAwareness(d.name, update), origin)
	return change, d.awareness.States(), failed, nil
}

// encodeAwareness returns the whole live table. An empty table yields nil
// unless includeEmpty is set.
func (d *Document) encodeAwareness(includeEmpty bool) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.awareness.Len() == 0 && !includeEmpty {
		return nil
	}
	return d.awareness.Encode()
}

// broadcastStateless sends a stateless payload to every connection but the
// sender.
func (d *Document) broadcastStateless(payload string, sender *Connection) {
	d.mu.Lock()
	failed := d.broadcastLocked(protocol.NewStateless(d.name, payload), sender)
	d.mu.Unlock()
	d.manager.reportSendFailures(failed)
}

type sendFailure struct {
	connection *Connection
	err        error
}

// broadcastLocked queues frame on every connection except skip. A failing
// connection never stops delivery to the rest. Caller holds d.mu.
func (d *Document) broadcastLocked(frame []byte, skip *Connection) []sendFailure {
	var failed []sendFailure
	for c := range d.connections {
		if c == skip {
			continue
		}
		if err := c.send(frame); err != nil {
			failed = append(failed, sendFailure{connection: c, err: err})
		}
	}
	return failed
}

// store runs the store hooks with a snapshot of the current state. The
// dirty generation is only advanced when every hook succeeded; otherwise a
// retry is scheduled. A document whose load failed reloads first, so a
// snapshot never replaces stored state it has not merged.
func (d *Document) store(ctx context.Context) error {
	d.storeMu.Lock()
	defer d.storeMu.Unlock()

	sm := d.manager

	d.mu.Lock()
	if d.dirtyGen == d.storedGen {
		d.mu.Unlock()
		return nil
	}
	loadFailed := d.loadFailed
	d.mu.Unlock()

	if loadFailed {
		if err := d.loadState(ctx); err != nil {
			err = fmt.Errorf("%w: %v", ErrStoreSkipped, err)
			sm.errors.OnStorageError(d.name, err)
			d.debounce.Touch()
			return err
		}
		d.log.Info("📄 Document reloaded before store")
	}

	d.mu.Lock()
	d.loadFailed = false
	gen := d.dirtyGen
	state := d.doc.EncodeStateAsUpdate()
	d.mu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "Document.Store",
		attribute.String("document.name", d.name),
		attribute.Int("document.size", len(state)),
	)
	defer span.End()

	var firstErr error
	_ = runHooks(sm.cfg.Extensions, false, func(ext Extension, err error) {
		err = fmt.Errorf("%s: onStoreDocument: %w", ext.Name(), err)
		if firstErr == nil {
			firstErr = err
		}
		sm.errors.OnStorageError(d.name, err)
	}, func(h OnStoreDocumentHook) error {
		return h.OnStoreDocument(ctx, &StorePayload{DocumentName: d.name, State: state})
	})

	if firstErr != nil {
		middleware.AddSpanError(ctx, firstErr)
		d.debounce.Touch()
		return firstErr
	}

	d.mu.Lock()
	if gen > d.storedGen {
		d.storedGen = gen
	}
	d.mu.Unlock()

	documentsStoredTotal.Inc()
	d.log.V(1).Info("💾 Document stored", "bytes", len(state))
	return nil
}

// onDebounce is the timer callback.
func (d *Document) onDebounce() {
	if err := d.store(context.Background()); err != nil {
		return
	}
	if d.ConnectionCount() == 0 {
		d.manager.unloadIfIdle(d)
	}
}
