package collaboration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docsync/internal/crdt/rga"
	"docsync/internal/protocol"

	"github.com/go-playground/assert/v2"
)

type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failSend error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	if f.failSend != nil {
		return f.failSend
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func (f *fakeTransport) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := make([]protocol.Message, 0, len(f.frames))
	for _, frame := range f.frames {
		msg, err := protocol.Decode(frame)
		assert.Equal(t, err, nil)
		msgs = append(msgs, msg)
	}
	return msgs
}

func (f *fakeTransport) ofType(t *testing.T, types ...protocol.MessageType) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, msg := range f.messages(t) {
		for _, mt := range types {
			if msg.Type == mt {
				out = append(out, msg)
			}
		}
	}
	return out
}

// syncBodies returns the bodies of SYNC frames with the given sub-tag.
func (f *fakeTransport) syncBodies(t *testing.T, sub protocol.SyncMessageType) [][]byte {
	t.Helper()
	var out [][]byte
	for _, msg := range f.ofType(t, protocol.MessageSync, protocol.MessageSyncReply) {
		s, body, err := protocol.DecodeSync(msg.Payload)
		assert.Equal(t, err, nil)
		if s == sub {
			out = append(out, body)
		}
	}
	return out
}

func (f *fakeTransport) syncStatuses(t *testing.T) []bool {
	t.Helper()
	var out []bool
	for _, msg := range f.ofType(t, protocol.MessageSyncStatus) {
		applied, err := protocol.DecodeSyncStatus(msg.Payload)
		assert.Equal(t, err, nil)
		out = append(out, applied)
	}
	return out
}

// memoryStore is a persistence extension backed by a map.
type memoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
	loads  map[string]int
	stores map[string][]time.Time
	// fail and failLoad make that many calls return an error
	fail     atomic.Int32
	failLoad atomic.Int32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		states: make(map[string][]byte),
		loads:  make(map[string]int),
		stores: make(map[string][]time.Time),
	}
}

func (m *memoryStore) Name() string { return "memory" }

func (m *memoryStore) OnLoadDocument(_ context.Context, name string) ([]byte, error) {
	if m.failLoad.Load() > 0 {
		m.failLoad.Add(-1)
		return nil, errors.New("db timeout")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[name]++
	return m.states[name], nil
}

func (m *memoryStore) OnStoreDocument(_ context.Context, p *StorePayload) error {
	if m.fail.Load() > 0 {
		m.fail.Add(-1)
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[p.DocumentName] = p.State
	m.stores[p.DocumentName] = append(m.stores[p.DocumentName], time.Now())
	return nil
}

func (m *memoryStore) loadCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[name]
}

func (m *memoryStore) storeTimes(name string) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.stores[name]...)
}

func (m *memoryStore) state(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name]
}

func (m *memoryStore) storeCount(name string) int {
	return len(m.storeTimes(name))
}

type errorRecorder struct {
	mu        sync.Mutex
	protocol  []error
	storage   []error
	hook      []string
	transport []error
	broadcast []error
}

func (r *errorRecorder) OnProtocolError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocol = append(r.protocol, err)
}

func (r *errorRecorder) OnStorageError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage = append(r.storage, err)
}

func (r *errorRecorder) OnHookError(ext, hook string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = append(r.hook, ext+"."+hook)
}

func (r *errorRecorder) OnTransportError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = append(r.transport, err)
}

func (r *errorRecorder) OnBroadcastError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, err)
}

func (r *errorRecorder) counts() (protocol, storage, hook, transport int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.protocol), len(r.storage), len(r.hook), len(r.transport)
}

func newTestManager(t *testing.T, cfg Configuration) *SessionManager {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 30 * time.Millisecond
	}
	if cfg.MaxDebounce == 0 {
		cfg.MaxDebounce = 150 * time.Millisecond
	}
	sm := NewSessionManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sm.Shutdown(ctx)
	})
	return sm
}

func connect(t *testing.T, sm *SessionManager) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c, err := sm.HandleConnection(context.Background(), tr, nil)
	assert.Equal(t, err, nil)
	return c, tr
}

// join attaches c to name with an empty SyncStep1.
func join(t *testing.T, c *Connection, name string) {
	t.Helper()
	sv := rga.NewDoc(0).EncodeStateVector()
	assert.Equal(t, c.HandleMessage(context.Background(), protocol.NewSyncStep1(name, sv)), nil)
}

func send(t *testing.T, c *Connection, frame []byte) {
	t.Helper()
	assert.Equal(t, c.HandleMessage(context.Background(), frame), nil)
}

func insert(t *testing.T, d *rga.Doc, pos int, text string) []byte {
	t.Helper()
	update, err := d.Insert(pos, text)
	assert.Equal(t, err, nil)
	return update
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
