// Package rga is the text CRDT bundled with the server: a replicated growable
// array where every rune is an item identified by (client, clock) and placed
// after its origin. Siblings are ordered by Lamport timestamp, so replicas
// that have seen the same set of items agree on the text regardless of the
// order in which updates arrived.
//
// Updates are
//
//	varUint(items) item... varUint(deletes) (client clock)...
//	item = client clock lamport flags [originClient originClock] rune
//
// and state vectors are varUint(n) followed by n (client, nextClock) pairs.
package rga

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"docsync/internal/crdt"
	"docsync/internal/protocol"
)

// ID identifies one item: the client that created it and that client's
// sequence number.
type ID struct {
	Client uint64
	Clock  uint64
}

type item struct {
	id        ID
	lamport   uint64
	origin    ID
	hasOrigin bool
	value     rune
	deleted   bool
}

// precedes reports whether a sorts before b among siblings of one origin.
func precedes(a, b *item) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Client > b.id.Client
}

// Doc is a replica. It is safe for concurrent use.
type Doc struct {
	mu      sync.Mutex
	client  uint64
	lamport uint64
	items   []*item
	index   map[ID]*item
	clocks  map[uint64]uint64
	deletes map[ID]struct{}
	pending map[ID]*item
}

var _ crdt.Doc = (*Doc)(nil)

// NewDoc returns an empty replica that creates items as client.
func NewDoc(client uint64) *Doc {
	return &Doc{
		client:  client,
		index:   make(map[ID]*item),
		clocks:  make(map[uint64]uint64),
		deletes: make(map[ID]struct{}),
		pending: make(map[ID]*item),
	}
}

// Client returns the replica's client id.
func (d *Doc) Client() uint64 {
	return d.client
}

// String returns the visible text.
func (d *Doc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sb strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			sb.WriteRune(it.value)
		}
	}
	return sb.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Insert places text before the visible rune at pos and returns the update
// describing the change.
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var origin *item
	if pos > 0 {
		origin = d.visibleAt(pos - 1)
		if origin == nil {
			return nil, fmt.Errorf("insert position %d out of range", pos)
		}
	}

	created := make([]*item, 0, len(text))
	for _, r := range text {
		d.lamport++
		it := &item{
			id:      ID{Client: d.client, Clock: d.clocks[d.client]},
			lamport: d.lamport,
			value:   r,
		}
		if origin != nil {
			it.origin = origin.id
			it.hasOrigin = true
		}
		d.integrate(it)
		created = append(created, it)
		origin = it
	}

	return encodeUpdate(created, nil), nil
}

// Delete removes length visible runes starting at pos and returns the update.
func (d *Doc) Delete(pos, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pos < 0 || length <= 0 {
		return nil, fmt.Errorf("delete range [%d,%d) out of range", pos, pos+length)
	}

	targets := make([]*item, 0, length)
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen >= pos && seen < pos+length {
			targets = append(targets, it)
		}
		seen++
	}
	if len(targets) != length {
		return nil, fmt.Errorf("delete range [%d,%d) out of range", pos, pos+length)
	}

	removed := make([]ID, 0, length)
	for _, it := range targets {
		it.deleted = true
		d.deletes[it.id] = struct{}{}
		removed = append(removed, it.id)
	}
	return encodeUpdate(nil, removed), nil
}

func (d *Doc) EncodeStateAsUpdate() []byte {
	update, _ := d.EncodeDiff(nil)
	return update
}

func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeStateVector(d.clocks)
}

func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	remote := map[uint64]uint64{}
	if len(stateVector) > 0 {
		var err error
		if remote, err = decodeStateVector(stateVector); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	missing := make([]*item, 0)
	for _, it := range d.items {
		if it.id.Clock >= remote[it.id.Client] {
			missing = append(missing, it)
		}
	}
	slices.SortFunc(missing, func(a, b *item) int {
		if a.id.Client != b.id.Client {
			return cmpUint(a.id.Client, b.id.Client)
		}
		return cmpUint(a.id.Clock, b.id.Clock)
	})

	deletes := make([]ID, 0, len(d.deletes))
	for id := range d.deletes {
		deletes = append(deletes, id)
	}
	sortIDs(deletes)

	return encodeUpdate(missing, deletes), nil
}

func (d *Doc) ApplyUpdate(update []byte) error {
	items, deletes, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, it := range items {
		if it.id.Clock < d.clocks[it.id.Client] {
			continue
		}
		if _, ok := d.pending[it.id]; ok {
			continue
		}
		d.pending[it.id] = it
	}

	for _, id := range deletes {
		d.deletes[id] = struct{}{}
		if it, ok := d.index[id]; ok {
			it.deleted = true
		}
	}

	d.integratePending()
	return nil
}

func (d *Doc) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items = nil
	d.index = make(map[ID]*item)
	d.pending = make(map[ID]*item)
}

// integratePending places every pending item whose dependencies are present,
// repeating until no more progress can be made.
func (d *Doc) integratePending() {
	for len(d.pending) > 0 {
		ready := make([]*item, 0)
		for _, it := range d.pending {
			if it.id.Clock != d.clocks[it.id.Client] {
				continue
			}
			if it.hasOrigin {
				if _, ok := d.index[it.origin]; !ok {
					continue
				}
			}
			ready = append(ready, it)
		}
		if len(ready) == 0 {
			return
		}

		slices.SortFunc(ready, func(a, b *item) int {
			if a.lamport != b.lamport {
				return cmpUint(a.lamport, b.lamport)
			}
			return cmpUint(a.id.Client, b.id.Client)
		})
		for _, it := range ready {
			delete(d.pending, it.id)
			d.integrate(it)
		}
	}
}

// integrate inserts it right after its origin, skipping siblings (and their
// descendants) that sort before it. Caller holds d.mu.
func (d *Doc) integrate(it *item) {
	pos := 0
	if it.hasOrigin {
		pos = d.indexOf(it.origin) + 1
	}
	for pos < len(d.items) && precedes(d.items[pos], it) {
		pos++
	}

	if _, ok := d.deletes[it.id]; ok {
		it.deleted = true
	}

	d.items = slices.Insert(d.items, pos, it)
	d.index[it.id] = it
	d.clocks[it.id.Client] = it.id.Clock + 1
	if it.lamport > d.lamport {
		d.lamport = it.lamport
	}
}

func (d *Doc) indexOf(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func (d *Doc) visibleAt(pos int) *item {
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == pos {
			return it
		}
		seen++
	}
	return nil
}

// Engine creates rga replicas with random client ids.
type Engine struct{}

var _ crdt.Engine = Engine{}

// NewEngine returns the rga engine.
func NewEngine() Engine {
	return Engine{}
}

func (Engine) NewDoc() crdt.Doc {
	return NewDoc(uint64(rand.Uint32()))
}

// HasChanges reads only the two counts of an update. Bytes that cannot be
// decoded count as changes so the apply path surfaces the error.
func (Engine) HasChanges(update []byte) bool {
	dec := protocol.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil || n > 0 {
		return true
	}
	deletes, err := dec.ReadVarUint()
	if err != nil {
		return true
	}
	return deletes > 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortIDs(ids []ID) {
	slices.SortFunc(ids, func(a, b ID) int {
		if a.Client != b.Client {
			return cmpUint(a.Client, b.Client)
		}
		return cmpUint(a.Clock, b.Clock)
	})
}
