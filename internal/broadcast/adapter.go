package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"docsync/internal/awareness"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultPrefix            = "docsync"
	DefaultAwarenessThrottle = 100 * time.Millisecond
	DefaultQueueSize         = 1024

	publishTimeout = 5 * time.Second
)

var (
	publishedTotal = metrics.NewCounter("docsync_broadcast_published_total")
	receivedTotal  = metrics.NewCounter("docsync_broadcast_received_total")
	echoesTotal    = metrics.NewCounter("docsync_broadcast_echoes_discarded_total")
	droppedTotal   = metrics.NewCounter("docsync_broadcast_dropped_total")
)

// Receiver applies what other instances published for one document. The
// adapter never republishes what it hands to a Receiver.
type Receiver interface {
	ApplyRemoteUpdate(update []byte)
	ApplyRemoteAwareness(update []byte)
}

// Options configures an Adapter. Zero values take the defaults.
type Options struct {
	Prefix            string
	InstanceID        string
	AwarenessThrottle time.Duration
	QueueSize         int
	Logger            logr.Logger
	// OnError receives bus failures and dropped publishes. Without it they
	// are logged.
	OnError func(documentName string, err error)
}

// Stats counts adapter traffic since creation.
type Stats struct {
	Published uint64
	Received  uint64
	Echoes    uint64
	Dropped   uint64
}

// Adapter publishes local changes for every subscribed document and feeds
// remote changes back to a Receiver. Publishing never blocks the caller: a
// single worker drains a bounded queue.
type Adapter struct {
	bus  Bus
	opts Options
	log  logr.Logger

	subs      *xsync.MapOf[string, *documentSubscription]
	throttles *xsync.MapOf[string, *awarenessThrottle]

	queue  chan outbound
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once

	published atomic.Uint64
	received  atomic.Uint64
	echoes    atomic.Uint64
	dropped   atomic.Uint64
}

type outbound struct {
	document string
	channel  string
	payload  []byte
}

type documentSubscription struct {
	receiver  Receiver
	updates   Subscription
	awareness Subscription
}

func (s *documentSubscription) unsubscribe() error {
	err := s.updates.Unsubscribe()
	if aerr := s.awareness.Unsubscribe(); err == nil {
		err = aerr
	}
	return err
}

// awarenessThrottle coalesces awareness records between publishes.
type awarenessThrottle struct {
	mu      sync.Mutex
	pending map[uint64]awareness.Record
	last    time.Time
	timer   *time.Timer
}

// NewAdapter starts an adapter on bus.
func NewAdapter(bus Bus, opts Options) *Adapter {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.AwarenessThrottle <= 0 {
		opts.AwarenessThrottle = DefaultAwarenessThrottle
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	a := &Adapter{
		bus:       bus,
		opts:      opts,
		log:       opts.Logger.WithName("broadcast"),
		subs:      xsync.NewMapOf[string, *documentSubscription](),
		throttles: xsync.NewMapOf[string, *awarenessThrottle](),
		queue:     make(chan outbound, opts.QueueSize),
		done:      make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// InstanceID identifies this process in every envelope it publishes.
func (a *Adapter) InstanceID() string {
	return a.opts.InstanceID
}

// UpdateChannel returns the channel carrying document updates.
func (a *Adapter) UpdateChannel(documentName string) string {
	return a.opts.Prefix + ":" + documentName + ":update"
}

// AwarenessChannel returns the channel carrying awareness updates.
func (a *Adapter) AwarenessChannel(documentName string) string {
	return a.opts.Prefix + ":" + documentName + ":awareness"
}

// Subscribe starts delivering remote traffic for documentName to r,
// replacing any earlier subscription for the same name.
func (a *Adapter) Subscribe(ctx context.Context, documentName string, r Receiver) error {
	if a.closed.Load() {
		return ErrClosed
	}

	updates, err := a.bus.Subscribe(ctx, a.UpdateChannel(documentName), a.handler(documentName, r.ApplyRemoteUpdate))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.UpdateChannel(documentName), err)
	}
	aw, err := a.bus.Subscribe(ctx, a.AwarenessChannel(documentName), a.handler(documentName, r.ApplyRemoteAwareness))
	if err != nil {
		_ = updates.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", a.AwarenessChannel(documentName), err)
	}

	sub := &documentSubscription{receiver: r, updates: updates, awareness: aw}
	if old, loaded := a.subs.LoadAndStore(documentName, sub); loaded {
		_ = old.unsubscribe()
	}

	a.log.V(1).Info("subscribed", "document", documentName)
	return nil
}

// Unsubscribe stops remote delivery for documentName to r and flushes any
// awareness still waiting for the throttle. A subscription that already
// belongs to another receiver is left alone.
func (a *Adapter) Unsubscribe(documentName string, r Receiver) error {
	var sub *documentSubscription
	a.subs.Compute(documentName, func(cur *documentSubscription, loaded bool) (*documentSubscription, bool) {
		if !loaded || cur.receiver != r {
			return cur, !loaded
		}
		sub = cur
		return nil, true
	})
	if sub == nil {
		return nil
	}

	if t, ok := a.throttles.LoadAndDelete(documentName); ok {
		t.mu.Lock()
		t.stop()
		a.flushAwareness(documentName, t)
		t.mu.Unlock()
	}

	a.log.V(1).Info("unsubscribed", "document", documentName)
	return sub.unsubscribe()
}

// Subscribed reports whether documentName has an active subscription.
func (a *Adapter) Subscribed(documentName string) bool {
	_, ok := a.subs.Load(documentName)
	return ok
}

// PublishUpdate queues a document update for the other instances.
func (a *Adapter) PublishUpdate(documentName string, update []byte) {
	a.enqueue(documentName, a.UpdateChannel(documentName), update)
}

// PublishAwareness queues an awareness update. At most one awareness
// message per document leaves per throttle interval; records arriving in
// between are merged, keeping the highest clock per client.
func (a *Adapter) PublishAwareness(documentName string, update []byte) {
	records, err := awareness.DecodeUpdate(update)
	if err != nil {
		a.report(documentName, err)
		return
	}

	t, _ := a.throttles.LoadOrCompute(documentName, func() *awarenessThrottle {
		return &awarenessThrottle{pending: make(map[uint64]awareness.Record)}
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range records {
		if p, ok := t.pending[rec.ClientID]; !ok || rec.Clock > p.Clock {
			t.pending[rec.ClientID] = rec
		}
	}
	if t.timer != nil {
		return
	}

	wait := a.opts.AwarenessThrottle - time.Since(t.last)
	if wait <= 0 {
		a.flushAwareness(documentName, t)
		return
	}
	t.timer = time.AfterFunc(wait, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.timer = nil
		a.flushAwareness(documentName, t)
	})
}

// flushAwareness publishes the coalesced records. Caller holds t.mu.
func (a *Adapter) flushAwareness(documentName string, t *awarenessThrottle) {
	if len(t.pending) == 0 {
		return
	}
	records := make([]awareness.Record, 0, len(t.pending))
	for _, rec := range t.pending {
		records = append(records, rec)
	}
	t.pending = make(map[uint64]awareness.Record)
	t.last = time.Now()

	a.enqueue(documentName, a.AwarenessChannel(documentName), awareness.EncodeUpdate(records))
}

func (t *awarenessThrottle) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Stats returns the traffic counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Published: a.published.Load(),
		Received:  a.received.Load(),
		Echoes:    a.echoes.Load(),
		Dropped:   a.dropped.Load(),
	}
}

// Close flushes throttled awareness, drains the queue and drops every
// subscription. The bus itself stays open.
func (a *Adapter) Close() error {
	var err error
	a.once.Do(func() {
		a.throttles.Range(func(name string, t *awarenessThrottle) bool {
			t.mu.Lock()
			t.stop()
			a.flushAwareness(name, t)
			t.mu.Unlock()
			return true
		})

		a.closed.Store(true)
		close(a.done)
		a.wg.Wait()

		a.subs.Range(func(name string, sub *documentSubscription) bool {
			if uerr := sub.unsubscribe(); uerr != nil && err == nil {
				err = uerr
			}
			a.subs.Delete(name)
			return true
		})
	})
	return err
}

func (a *Adapter) enqueue(documentName, channel string, payload []byte) {
	if a.closed.Load() {
		return
	}

	msg := outbound{
		document: documentName,
		channel:  channel,
		payload:  encodeEnvelope(a.opts.InstanceID, payload),
	}
	select {
	case a.queue <- msg:
	default:
		a.dropped.Add(1)
		droppedTotal.Inc()
		a.report(documentName, ErrQueueFull)
	}
}

func (a *Adapter) run() {
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.queue:
			a.publish(msg)
		case <-a.done:
			for {
				select {
				case msg := <-a.queue:
					a.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) publish(msg outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := a.bus.Publish(ctx, msg.channel, msg.payload); err != nil {
		a.report(msg.document, fmt.Errorf("publish %s: %w", msg.channel, err))
		return
	}
	a.published.Add(1)
	publishedTotal.Inc()
}

func (a *Adapter) handler(documentName string, apply func([]byte)) Handler {
	return func(data []byte) {
		instanceID, payload, err := decodeEnvelope(data)
		if err != nil {
			a.report(documentName, err)
			return
		}
		if instanceID == a.opts.InstanceID {
			a.echoes.Add(1)
			echoesTotal.Inc()
			return
		}
		a.received.Add(1)
		receivedTotal.Inc()
		apply(payload)
	}
}

func (a *Adapter) report(documentName string, err error) {
	if a.opts.OnError != nil {
		a.opts.OnError(documentName, err)
		return
	}
	a.log.Error(err, "⚠️  broadcast failed", "document", documentName)
}
