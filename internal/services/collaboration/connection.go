package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/protocol"

	"github.com/go-logr/logr"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// Transport is one client socket. Send must not block: it queues the frame
// or fails.
type Transport interface {
	Send(data []byte) error
	IsOpen() bool
	Close() error
}

// SyncState is the handshake progress of one connection on one document.
type SyncState int

const (
	SyncUnsynced SyncState = iota
	SyncSyncing
	SyncSynced
	SyncClosed
)

func (s SyncState) String() string {
	switch s {
	case SyncUnsynced:
		return "unsynced"
	case SyncSyncing:
		return "syncing"
	case SyncSynced:
		return "synced"
	case SyncClosed:
		return "closed"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// documentSession is a connection's attachment to one document. Fields are
// guarded by Connection.mu.
type documentSession struct {
	document *Document
	readOnly bool
	state    SyncState
}

// Connection is one client socket, multiplexing any number of documents.
// HandleMessage must be called sequentially; frames are processed in the
// order the transport delivered them.
type Connection struct {
	id          string
	manager     *SessionManager
	transport   Transport
	context     *Context
	log         logr.Logger
	connectedAt time.Time
	lastActive  atomic.Int64

	mu       sync.Mutex
	sessions map[string]*documentSession
	closed   bool
}

func newConnection(sm *SessionManager, t Transport, cctx *Context) *Connection {
	id := ksuid.New().String()
	c := &Connection{
		id:          id,
		manager:     sm,
		transport:   t,
		context:     cctx,
		log:         sm.log.WithName("connection").WithValues("connection", id),
		connectedAt: time.Now(),
		sessions:    make(map[string]*documentSession),
	}
	c.touch()
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Context() *Context {
	return c.context
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) LastActiveAt() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Documents lists the attached document names.
func (c *Connection) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sessions))
	for name := range c.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyncState returns the handshake state for a document.
func (c *Connection) SyncState(documentName string) (SyncState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[documentName]
	if !ok {
		return SyncClosed, false
	}
	return sess.state, true
}

// ReadOnly reports whether updates for documentName are dropped.
func (c *Connection) ReadOnly(documentName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[documentName]
	return ok && sess.readOnly
}

// send queues a frame. It never takes c.mu so documents may call it while
// holding their own lock.
func (c *Connection) send(frame []byte) error {
	if !c.transport.IsOpen() {
		return ErrConnectionClosed
	}
	return c.transport.Send(frame)
}

func (c *Connection) reply(frame []byte) {
	if err := c.send(frame); err != nil {
		c.manager.errors.OnTransportError(c.id, err)
	}
}

func (c *Connection) protocolError(err error) error {
	c.manager.errors.OnProtocolError(c.id, err)
	return err
}

// HandleMessage processes one inbound frame. Malformed frames are reported
// as protocol errors and the connection stays open.
func (c *Connection) HandleMessage(ctx context.Context, data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	c.touch()
	messagesReceivedTotal.Inc()

	msg, err := protocol.Decode(data)
	if err != nil {
		return c.protocolError(err)
	}

	ctx, span := middleware.StartSpan(ctx, "Connection.HandleMessage",
		attribute.String("connection.id", c.id),
		attribute.String("document.name", msg.DocumentName),
		attribute.String("message.type", msg.Type.String()),
		attribute.Int("message.size", len(data)),
	)
	defer span.End()

	if err := c.dispatch(ctx, msg); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	return nil
}

func (c *Connection) dispatch(ctx context.Context, msg protocol.Message) error {
	switch msg.Type {
	case protocol.MessageAuth:
		return c.handleAuth(ctx, msg)
	case protocol.MessageClose:
		return c.handleClose(msg)
	case protocol.MessageSyncStatus:
		// acknowledgements from the client carry nothing for the server
		return nil
	}

	sess, err := c.session(ctx, msg.DocumentName)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			c.reply(protocol.NewPermissionDenied(msg.DocumentName, "authentication required"))
		}
		return err
	}

	switch msg.Type {
	case protocol.MessageSync, protocol.MessageSyncReply:
		return c.handleSync(ctx, sess, msg)
	case protocol.MessageAwareness:
		return c.handleAwareness(ctx, sess, msg)
	case protocol.MessageQueryAwareness:
		c.reply(protocol.NewAwareness(msg.DocumentName, sess.document.encodeAwareness(true)))
		return nil
	case protocol.MessageStateless:
		return c.handleStateless(ctx, msg)
	case protocol.MessageBroadcastStateless:
		payload, err := protocol.DecodeStateless(msg.Payload)
		if err != nil {
			return c.protocolError(err)
		}
		sess.document.broadcastStateless(payload, c)
		return nil
	default:
		return c.protocolError(fmt.Errorf("%w: %s", protocol.ErrUnknownMessageType, msg.Type))
	}
}

// session returns the attachment for a document, attaching on first use
// when no extension requires authentication.
func (c *Connection) session(ctx context.Context, name string) (*documentSession, error) {
	c.mu.Lock()
	sess, ok := c.sessions[name]
	closed := c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return nil, ErrConnectionClosed
	case ok:
		return sess, nil
	case c.manager.requiresAuth:
		return nil, ErrNotAuthenticated
	}

	sess, created, err := c.attachDocument(ctx, name, false)
	if err != nil {
		return nil, err
	}
	if created {
		c.sendInitial(name, sess)
	}
	return sess, nil
}

// attachDocument joins the named document. created is false when the
// connection was already attached; its scope is then updated.
func (c *Connection) attachDocument(ctx context.Context, name string, readOnly bool) (*documentSession, bool, error) {
	d, err := c.manager.attach(ctx, name, c)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.manager.detach(d, c)
		return nil, false, ErrConnectionClosed
	}
	if existing, ok := c.sessions[name]; ok {
		existing.readOnly = readOnly
		c.mu.Unlock()
		return existing, false, nil
	}
	sess := &documentSession{document: d, readOnly: readOnly, state: SyncUnsynced}
	c.sessions[name] = sess
	c.mu.Unlock()

	c.log.V(1).Info("  Attached to document", "document", name, "readOnly", readOnly)
	return sess, true, nil
}

// sendInitial opens the handshake from the server side and shares the
// current awareness table.
func (c *Connection) sendInitial(name string, sess *documentSession) {
	c.reply(protocol.NewSyncStep1(name, sess.document.stateVector()))
	c.advance(sess, SyncSyncing)

	if aw := sess.document.encodeAwareness(false); aw != nil {
		c.reply(protocol.NewAwareness(name, aw))
	}
}

// advance moves the handshake forward; it never goes back.
func (c *Connection) advance(sess *documentSession, state SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.state < state {
		sess.state = state
	}
}

func (c *Connection) isReadOnly(sess *documentSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sess.readOnly
}

func (c *Connection) handleSync(ctx context.Context, sess *documentSession, msg protocol.Message) error {
	sub, body, err := protocol.DecodeSync(msg.Payload)
	if err != nil {
		return c.protocolError(err)
	}
	d := sess.document
	name := msg.DocumentName

	switch sub {
	case protocol.SyncStep1:
		diff, localVector, err := d.syncStep1(body)
		if err != nil {
			return c.protocolError(fmt.Errorf("sync step 1: %w", err))
		}
		c.reply(protocol.NewSyncReply(name, diff))
		c.reply(protocol.NewSyncStep1(name, localVector))
		c.reply(protocol.NewSyncStatus(name, true))
		c.advance(sess, SyncSyncing)
		return nil

	case protocol.SyncStep2, protocol.SyncUpdate:
		if c.isReadOnly(sess) && c.manager.engine.HasChanges(body) {
			updatesRejectedTotal.Inc()
			c.log.V(1).Info("  Dropped update from read-only connection", "document", name)
			c.reply(protocol.NewSyncStatus(name, false))
			return nil
		}
		if _, err := d.applyUpdate(ctx, body, c); err != nil {
			return c.protocolError(fmt.Errorf("sync %s: %w", sub, err))
		}
		if sub == protocol.SyncStep2 {
			c.advance(sess, SyncSynced)
		}
		c.reply(protocol.NewSyncStatus(name, true))
		return nil

	default:
		return c.protocolError(fmt.Errorf("%w: sync %s", protocol.ErrUnknownMessageType, sub))
	}
}

func (c *Connection) handleAwareness(ctx context.Context, sess *documentSession, msg protocol.Message) error {
	update, err := protocol.DecodeAwareness(msg.Payload)
	if err != nil {
		return c.protocolError(err)
	}
	if _, err := sess.document.applyAwareness(ctx, update, c); err != nil {
		return c.protocolError(fmt.Errorf("awareness: %w", err))
	}
	return nil
}

// handleStateless echoes the payload to the sender and hands it to the
// onStateless hooks.
func (c *Connection) handleStateless(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.DecodeStateless(msg.Payload)
	if err != nil {
		return c.protocolError(err)
	}
	c.reply(protocol.NewStateless(msg.DocumentName, payload))

	p := &StatelessPayload{
		DocumentName: msg.DocumentName,
		ConnectionID: c.id,
		Payload:      payload,
		Context:      c.context,
	}
	c.manager.goHook(ctx, func(ctx context.Context) {
		c.manager.runStatelessHooks(ctx, p)
	})
	return nil
}

// handleAuth runs the onAuthenticate chain for one document. A rejection
// answers PermissionDenied and closes the whole connection.
func (c *Connection) handleAuth(ctx context.Context, msg protocol.Message) error {
	sub, token, err := protocol.DecodeAuth(msg.Payload)
	if err != nil {
		return c.protocolError(err)
	}
	if sub != protocol.AuthToken {
		return c.protocolError(fmt.Errorf("unexpected auth message %s", sub))
	}
	name := msg.DocumentName

	p := &AuthenticatePayload{
		ConnectionID: c.id,
		DocumentName: name,
		Token:        token,
		Context:      c.context,
	}
	if err := c.manager.authenticate(ctx, p); err != nil {
		authFailuresTotal.Inc()
		c.log.Info("🚫 Authentication failed", "document", name, "reason", err.Error())
		c.reply(protocol.NewPermissionDenied(name, "permission-denied"))
		c.Close()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	c.context.Freeze()

	sess, created, err := c.attachDocument(ctx, name, p.ReadOnly)
	if err != nil {
		return err
	}

	scope := protocol.ScopeReadWrite
	if p.ReadOnly {
		scope = protocol.ScopeReadOnly
	}
	middleware.AddSpanEvent(ctx, "authenticated", attribute.String("auth.scope", scope))
	c.reply(protocol.NewAuthenticated(name, scope))
	if created {
		c.sendInitial(name, sess)
	}
	return nil
}

// handleClose detaches one document; the socket stays open for the rest.
func (c *Connection) handleClose(msg protocol.Message) error {
	if _, _, err := protocol.DecodeClose(msg.Payload); err != nil {
		return c.protocolError(err)
	}

	c.mu.Lock()
	sess, ok := c.sessions[msg.DocumentName]
	if ok {
		delete(c.sessions, msg.DocumentName)
		sess.state = SyncClosed
	}
	c.mu.Unlock()

	if ok {
		c.manager.detach(sess.document, c)
		c.log.V(1).Info("  Detached from document", "document", msg.DocumentName)
	}
	return nil
}

// Close detaches from every document, closes the transport and runs the
// onDisconnect hooks in the background. It is safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*documentSession)
	names := make([]string, 0, len(sessions))
	for name, sess := range sessions {
		sess.state = SyncClosed
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	for _, sess := range sessions {
		c.manager.detach(sess.document, c)
	}
	c.manager.removeConnection(c)

	if err := c.transport.Close(); err != nil {
		c.manager.errors.OnTransportError(c.id, err)
	}

	p := &DisconnectPayload{ConnectionID: c.id, Documents: names, Context: c.context}
	c.manager.goHook(context.Background(), func(ctx context.Context) {
		c.manager.runDisconnectHooks(ctx, p)
	})
	c.log.V(1).Info("  Connection closed", "documents", len(names))
}
