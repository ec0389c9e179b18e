package redisbus

import (
	"context"
	"os"
	"testing"
	"time"

	"docsync/internal/broadcast"

	"github.com/go-logr/logr"
	"github.com/go-playground/assert/v2"
)

// Runs against a live server: DOCSYNC_TEST_REDIS_ADDR=localhost:6379 go test ./...
func newTestBus(t *testing.T) *Bus {
	t.Helper()
	addr := os.Getenv("DOCSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOCSYNC_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := New(ctx, addr, "", 0, logr.Discard())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	got := make(chan []byte, 1)
	sub, err := bus.Subscribe(ctx, "docsync-test:doc:update", func(p []byte) { got <- p })
	assert.Equal(t, err, nil)
	defer sub.Unsubscribe()

	assert.Equal(t, bus.Publish(ctx, "docsync-test:doc:update", []byte{0, 1, 0xff}), nil)

	select {
	case p := <-got:
		assert.Equal(t, p, []byte{0, 1, 0xff})
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestAdaptersOverRedis(t *testing.T) {
	busA := newTestBus(t)
	busB := newTestBus(t)

	a := broadcast.NewAdapter(busA, broadcast.Options{Prefix: "docsync-test", InstanceID: "a"})
	b := broadcast.NewAdapter(busB, broadcast.Options{Prefix: "docsync-test", InstanceID: "b"})
	defer a.Close()
	defer b.Close()

	got := make(chan []byte, 1)
	err := b.Subscribe(context.Background(), "shared", receiverFunc(func(u []byte) { got <- u }))
	assert.Equal(t, err, nil)

	a.PublishUpdate("shared", []byte{7})
	select {
	case u := <-got:
		assert.Equal(t, u, []byte{7})
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
}

type receiverFunc func([]byte)

func (f receiverFunc) ApplyRemoteUpdate(u []byte)    { f(u) }
func (f receiverFunc) ApplyRemoteAwareness(u []byte) {}
