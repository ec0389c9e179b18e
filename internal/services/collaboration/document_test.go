package collaboration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docsync/internal/broadcast"
	"docsync/internal/crdt/rga"
	"docsync/internal/protocol"

	"github.com/go-playground/assert/v2"
)

func TestDebouncer(t *testing.T) {
	var fired atomic.Int32
	b := newDebouncer(30*time.Millisecond, time.Second, func() { fired.Add(1) })

	for i := 0; i < 5; i++ {
		b.Touch()
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, b.Pending(), true)
	eventually(t, func() bool { return fired.Load() == 1 })
	assert.Equal(t, b.Pending(), false)

	b.Touch()
	b.Flush()
	assert.Equal(t, fired.Load(), int32(2))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fired.Load(), int32(2))

	b.Touch()
	b.Stop()
	b.Touch()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, fired.Load(), int32(2))
}

func TestBurstStoresOnce(t *testing.T) {
	store := newMemoryStore()
	sm := newTestManager(t, Configuration{
		Debounce:    50 * time.Millisecond,
		MaxDebounce: time.Second,
		Extensions:  []Extension{store},
	})

	c, _ := connect(t, sm)
	join(t, c, "doc")

	replica := rga.NewDoc(1)
	for i := 0; i < 5; i++ {
		send(t, c, protocol.NewUpdate("doc", insert(t, replica, replica.Len(), "x")))
	}

	eventually(t, func() bool { return store.storeCount("doc") == 1 })
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, store.storeCount("doc"), 1)

	d, _ := sm.Document("doc")
	eventually(t, func() bool { return !d.IsDirty() })
}

func TestSustainedStreamHitsCeiling(t *testing.T) {
	store := newMemoryStore()
	sm := newTestManager(t, Configuration{
		Debounce:    60 * time.Millisecond,
		MaxDebounce: 200 * time.Millisecond,
		Extensions:  []Extension{store},
	})

	dc, err := sm.OpenDirectConnection(context.Background(), "doc")
	assert.Equal(t, err, nil)
	defer dc.Disconnect()

	replica := rga.NewDoc(1)
	start := time.Now()
	for time.Since(start) < 600*time.Millisecond {
		_, err := dc.ApplyUpdate(context.Background(), insert(t, replica, replica.Len(), "x"))
		assert.Equal(t, err, nil)
		time.Sleep(20 * time.Millisecond)
	}

	times := store.storeTimes("doc")
	assert.Equal(t, len(times) >= 2, true)
	assert.Equal(t, times[0].Sub(start) < 400*time.Millisecond, true)
}

func TestFailedStoreRetries(t *testing.T) {
	store := newMemoryStore()
	store.fail.Store(1)
	errs := &errorRecorder{}
	sm := newTestManager(t, Configuration{
		Extensions:   []Extension{store},
		ErrorHandler: errs,
	})

	dc, err := sm.OpenDirectConnection(context.Background(), "doc")
	assert.Equal(t, err, nil)
	defer dc.Disconnect()

	_, err = dc.ApplyUpdate(context.Background(), insert(t, rga.NewDoc(1), 0, "keep"))
	assert.Equal(t, err, nil)

	eventually(t, func() bool { return store.storeCount("doc") == 1 })
	_, storage, _, _ := errs.counts()
	assert.Equal(t, storage, 1)
	eventually(t, func() bool { return !dc.Document().IsDirty() })
}

func TestLifecycleUnloadAndReload(t *testing.T) {
	store := newMemoryStore()
	unloaded := make(chan string, 1)
	sm := newTestManager(t, Configuration{
		Debounce:    time.Hour,
		MaxDebounce: time.Hour,
		Extensions: []Extension{store, Hooks{AfterUnload: func(_ context.Context, name string) error {
			unloaded <- name
			return nil
		}}},
	})

	c, _ := connect(t, sm)
	join(t, c, "doc")
	send(t, c, protocol.NewUpdate("doc", insert(t, rga.NewDoc(1), 0, "hello")))
	c.Close()

	// the last connection leaving flushes immediately, then unloads
	eventually(t, func() bool { return sm.DocumentCount() == 0 })
	assert.Equal(t, store.storeCount("doc"), 1)
	assert.Equal(t, store.loadCount("doc"), 1)
	select {
	case name := <-unloaded:
		assert.Equal(t, name, "doc")
	case <-time.After(3 * time.Second):
		t.Fatal("afterUnloadDocument not called")
	}

	c2, t2 := connect(t, sm)
	join(t, c2, "doc")
	assert.Equal(t, store.loadCount("doc"), 2)

	replica := rga.NewDoc(9)
	for _, body := range t2.syncBodies(t, protocol.SyncStep2) {
		assert.Equal(t, replica.ApplyUpdate(body), nil)
	}
	assert.Equal(t, replica.String(), "hello")
}

func TestConcurrentCreationLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	sm := newTestManager(t, Configuration{Extensions: []Extension{
		Hooks{LoadDocument: func(context.Context, string) ([]byte, error) {
			loads.Add(1)
			<-release
			return nil, nil
		}},
	}})

	var wg sync.WaitGroup
	docs := make([]*Document, 10)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := sm.GetOrCreateDocument(context.Background(), "shared")
			assert.Equal(t, err, nil)
			docs[i] = d
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, loads.Load(), int32(1))
	for _, d := range docs {
		assert.Equal(t, d == docs[0], true)
	}
}

func TestLoadFailureKeepsDocumentUsable(t *testing.T) {
	errs := &errorRecorder{}
	sm := newTestManager(t, Configuration{
		Debounce:     time.Hour,
		MaxDebounce:  time.Hour,
		ErrorHandler: errs,
		Extensions: []Extension{
			Hooks{LoadDocument: func(context.Context, string) ([]byte, error) {
				return nil, errors.New("db down")
			}},
		},
	})

	c, _ := connect(t, sm)
	join(t, c, "doc")
	send(t, c, protocol.NewUpdate("doc", insert(t, rga.NewDoc(1), 0, "ok")))

	_, storage, _, _ := errs.counts()
	assert.Equal(t, storage, 1)

	d, _ := sm.Document("doc")
	replica := rga.NewDoc(2)
	assert.Equal(t, replica.ApplyUpdate(d.EncodeState()), nil)
	assert.Equal(t, replica.String(), "ok")
}

func TestFailedLoadNeverOverwritesStoredState(t *testing.T) {
	store := newMemoryStore()
	seed := rga.NewDoc(9)
	insert(t, seed, 0, "precious")
	store.states["doc"] = seed.EncodeStateAsUpdate()
	// the initial load and the first reload both time out
	store.failLoad.Store(2)

	errs := &errorRecorder{}
	sm := newTestManager(t, Configuration{
		Debounce:     time.Hour,
		MaxDebounce:  time.Hour,
		Extensions:   []Extension{store},
		ErrorHandler: errs,
	})

	c, tr := connect(t, sm)
	join(t, c, "doc")
	send(t, c, protocol.NewUpdate("doc", insert(t, rga.NewDoc(1), 0, "x")))
	d, _ := sm.Document("doc")

	err := d.store(context.Background())
	assert.Equal(t, errors.Is(err, ErrStoreSkipped), true)
	assert.Equal(t, store.storeCount("doc"), 0)
	assert.Equal(t, d.IsDirty(), true)

	errs.mu.Lock()
	skipped := 0
	for _, err := range errs.storage {
		if errors.Is(err, ErrStoreSkipped) {
			skipped++
		}
	}
	errs.mu.Unlock()
	assert.Equal(t, skipped, 1)

	// storage is back: the stored state is merged before it is replaced
	tr.reset()
	assert.Equal(t, d.store(context.Background()), nil)
	assert.Equal(t, store.storeCount("doc"), 1)
	assert.Equal(t, d.IsDirty(), false)

	stored := rga.NewDoc(3)
	assert.Equal(t, stored.ApplyUpdate(store.state("doc")), nil)
	assert.Equal(t, stored.Len(), len("precious")+len("x"))
	assert.Equal(t, strings.Contains(stored.String(), "precious"), true)
	assert.Equal(t, strings.Contains(stored.String(), "x"), true)

	// the attached client is sent the content it never saw
	updates := tr.syncBodies(t, protocol.SyncUpdate)
	assert.Equal(t, len(updates), 1)
	replica := rga.NewDoc(4)
	assert.Equal(t, replica.ApplyUpdate(updates[0]), nil)
	assert.Equal(t, replica.String(), "precious")
}

func TestChangeDuringStoreArmsNewWindow(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var (
		mu     sync.Mutex
		stored [][]byte
	)
	sm := newTestManager(t, Configuration{
		Debounce:    20 * time.Millisecond,
		MaxDebounce: 100 * time.Millisecond,
		Extensions: []Extension{Hooks{StoreDocument: func(_ context.Context, p *StorePayload) error {
			mu.Lock()
			first := len(stored) == 0
			stored = append(stored, p.State)
			mu.Unlock()
			if first {
				entered <- struct{}{}
				<-release
			}
			return nil
		}}},
	})

	ctx := context.Background()
	dc, err := sm.OpenDirectConnection(ctx, "doc")
	assert.Equal(t, err, nil)
	defer dc.Disconnect()

	client := rga.NewDoc(1)
	_, err = dc.ApplyUpdate(ctx, insert(t, client, 0, "a"))
	assert.Equal(t, err, nil)

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("store never started")
	}

	// lands while the first store is still running
	_, err = dc.ApplyUpdate(ctx, insert(t, client, 1, "b"))
	assert.Equal(t, err, nil)
	close(release)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stored) == 2
	})
	eventually(t, func() bool { return !dc.Document().IsDirty() })

	mu.Lock()
	first, second := stored[0], stored[1]
	mu.Unlock()

	replica := rga.NewDoc(2)
	assert.Equal(t, replica.ApplyUpdate(first), nil)
	assert.Equal(t, replica.String(), "a")
	replica = rga.NewDoc(2)
	assert.Equal(t, replica.ApplyUpdate(second), nil)
	assert.Equal(t, replica.String(), "ab")
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) OnChange(context.Context, *ChangePayload) error {
	panic("boom")
}

func TestHookFailuresAreIsolated(t *testing.T) {
	errs := &errorRecorder{}
	changes := make(chan *ChangePayload, 1)
	sm := newTestManager(t, Configuration{
		ErrorHandler: errs,
		Extensions: []Extension{
			panicky{},
			Hooks{ExtensionName: "failing", Change: func(context.Context, *ChangePayload) error {
				return errors.New("nope")
			}},
			Hooks{ExtensionName: "recorder", Change: func(_ context.Context, p *ChangePayload) error {
				changes <- p
				return nil
			}},
		},
	})

	c, tr := connect(t, sm)
	join(t, c, "doc")
	tr.reset()
	send(t, c, protocol.NewUpdate("doc", insert(t, rga.NewDoc(1), 0, "x")))

	select {
	case p := <-changes:
		assert.Equal(t, p.DocumentName, "doc")
		assert.Equal(t, p.ConnectionID, c.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}

	// the triggering update still went out
	assert.Equal(t, len(tr.syncBodies(t, protocol.SyncUpdate)), 1)
	eventually(t, func() bool {
		_, _, hook, _ := errs.counts()
		return hook == 2
	})
	errs.mu.Lock()
	assert.Equal(t, errs.hook, []string{"panicky.onChange", "failing.onChange"})
	errs.mu.Unlock()
}

func TestShutdownFlushesDirtyDocuments(t *testing.T) {
	store := newMemoryStore()
	sm := NewSessionManager(Configuration{
		Debounce:    time.Hour,
		MaxDebounce: time.Hour,
		Extensions:  []Extension{store},
	})
	sm.Start()

	c, tr := connect(t, sm)
	join(t, c, "doc")
	send(t, c, protocol.NewUpdate("doc", insert(t, rga.NewDoc(1), 0, "bye")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, sm.Shutdown(ctx), nil)

	assert.Equal(t, store.storeCount("doc"), 1)
	assert.Equal(t, tr.IsOpen(), false)
	assert.Equal(t, sm.ConnectionCount(), 0)

	_, err := sm.GetOrCreateDocument(context.Background(), "doc")
	assert.Equal(t, errors.Is(err, ErrShuttingDown), true)
}

func TestDirectConnection(t *testing.T) {
	changes := make(chan string, 1)
	sm := newTestManager(t, Configuration{Extensions: []Extension{
		Hooks{Change: func(_ context.Context, p *ChangePayload) error {
			changes <- p.ConnectionID
			return nil
		}},
	}})

	c, tr := connect(t, sm)
	join(t, c, "doc")
	tr.reset()

	dc, err := sm.OpenDirectConnection(context.Background(), "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, dc.Document().ConnectionCount(), 2)

	applied, err := dc.ApplyUpdate(context.Background(), insert(t, rga.NewDoc(1), 0, "admin"))
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)
	assert.Equal(t, len(tr.syncBodies(t, protocol.SyncUpdate)), 1)
	assert.Equal(t, <-changes, "")

	replica := rga.NewDoc(2)
	assert.Equal(t, replica.ApplyUpdate(dc.Snapshot()), nil)
	assert.Equal(t, replica.String(), "admin")

	c.Close()
	time.Sleep(30 * time.Millisecond)
	_, loaded := sm.Document("doc")
	assert.Equal(t, loaded, true)

	dc.Disconnect()
	eventually(t, func() bool { return sm.DocumentCount() == 0 })

	_, err = dc.ApplyUpdate(context.Background(), insert(t, rga.NewDoc(3), 0, "late"))
	assert.Equal(t, errors.Is(err, ErrConnectionClosed), true)
}

func TestMultipleInstancesShareDocument(t *testing.T) {
	bus := broadcast.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	sm1 := newTestManager(t, Configuration{Bus: bus, InstanceID: "one"})
	sm2 := newTestManager(t, Configuration{Bus: bus, InstanceID: "two"})

	c1, t1 := connect(t, sm1)
	c2, t2 := connect(t, sm2)
	join(t, c1, "doc")
	join(t, c2, "doc")
	t1.reset()
	t2.reset()

	update := insert(t, rga.NewDoc(1), 0, "shared")
	send(t, c1, protocol.NewUpdate("doc", update))

	eventually(t, func() bool { return len(t2.syncBodies(t, protocol.SyncUpdate)) == 1 })
	assert.Equal(t, t2.syncBodies(t, protocol.SyncUpdate)[0], update)

	d2, _ := sm2.Document("doc")
	replica := rga.NewDoc(5)
	assert.Equal(t, replica.ApplyUpdate(d2.EncodeState()), nil)
	assert.Equal(t, replica.String(), "shared")

	// instance one discards its own echo instead of applying it again
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(t1.syncBodies(t, protocol.SyncUpdate)), 1)

	send(t, c2, awarenessFrame("doc", 4, 1, `{"name":"grace"}`))
	eventually(t, func() bool { return len(t1.ofType(t, protocol.MessageAwareness)) == 1 })
	d1, _ := sm1.Document("doc")
	assert.Equal(t, d1.AwarenessStates()[4], `{"name":"grace"}`)
}

func TestErrorHandlerFuncsFallback(t *testing.T) {
	fallback := &errorRecorder{}
	var storage error
	h := ErrorHandlerFuncs{
		StorageError: func(_ string, err error) { storage = err },
		Fallback:     fallback,
	}

	h.OnStorageError("doc", errors.New("disk"))
	h.OnProtocolError("c", errors.New("bad"))
	h.OnHookError("ext", "onChange", errors.New("hook"))

	assert.NotEqual(t, storage, nil)
	p, s, hook, _ := fallback.counts()
	assert.Equal(t, p, 1)
	assert.Equal(t, s, 0)
	assert.Equal(t, hook, 1)

	// no fallback drops silently
	ErrorHandlerFuncs{}.OnTransportError("c", errors.New("x"))
}
