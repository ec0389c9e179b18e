// Package awareness keeps the ephemeral presence records (cursors, user
// names, selections) that clients publish for a document.
//
// An update is
//
//	varUint(n) n × (varUint(clientID) varUint(clock) varString(jsonState))
//
// and a record only replaces the stored one when its clock is strictly
// greater. A state of "null" is a client-driven removal.
package awareness

import (
	"fmt"
	"slices"
	"time"

	"docsync/internal/protocol"
)

// NullState is the JSON state a client publishes to remove itself.
const NullState = "null"

// Record is one client's presence entry.
type Record struct {
	ClientID uint64
	Clock    uint64
	State    string
	LastSeen time.Time
}

// Removed reports whether the record marks a client that left.
func (r Record) Removed() bool {
	return r.State == NullState
}

// Change lists the clients an update actually affected.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty is true when every record in the update was stale.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Clients returns every affected client id.
func (c Change) Clients() []uint64 {
	ids := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

// Table maps client ids to records for one document. It is not safe for
// concurrent use; the owning document serializes access.
type Table struct {
	records map[uint64]*Record
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{records: make(map[uint64]*Record)}
}

// Apply merges an encoded update. A malformed update leaves the table
// untouched.
func (t *Table) Apply(update []byte, now time.Time) (Change, error) {
	incoming, err := DecodeUpdate(update)
	if err != nil {
		return Change{}, err
	}

	var change Change
	for _, rec := range incoming {
		stored, ok := t.records[rec.ClientID]
		if ok && rec.Clock <= stored.Clock {
			continue
		}

		wasLive := ok && !stored.Removed()
		rec.LastSeen = now
		t.records[rec.ClientID] = &rec

		switch {
		case rec.Removed() && wasLive:
			change.Removed = append(change.Removed, rec.ClientID)
		case rec.Removed():
			// removal of a client we never saw alive; keep the clock only
		case wasLive:
			change.Updated = append(change.Updated, rec.ClientID)
		default:
			change.Added = append(change.Added, rec.ClientID)
		}
	}
	return change, nil
}

// Get returns the stored record for a client, including removal markers.
func (t *Table) Get(clientID uint64) (Record, bool) {
	rec, ok := t.records[clientID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len counts live records.
func (t *Table) Len() int {
	n := 0
	for _, rec := range t.records {
		if !rec.Removed() {
			n++
		}
	}
	return n
}

// States returns the JSON state of every live client.
func (t *Table) States() map[uint64]string {
	states := make(map[uint64]string, len(t.records))
	for id, rec := range t.records {
		if !rec.Removed() {
			states[id] = rec.State
		}
	}
	return states
}

// Encode serializes every live record, the reply to QUERY_AWARENESS.
func (t *Table) Encode() []byte {
	live := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if !rec.Removed() {
			live = append(live, *rec)
		}
	}
	return EncodeUpdate(live)
}

// EncodeClients serializes the named clients, removal markers included.
// Unknown ids are skipped.
func (t *Table) EncodeClients(ids []uint64) []byte {
	recs := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := t.records[id]; ok {
			recs = append(recs, *rec)
		}
	}
	return EncodeUpdate(recs)
}

// EncodeUpdate serializes records ordered by client id.
func EncodeUpdate(records []Record) []byte {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b Record) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		default:
			return 0
		}
	})

	enc := protocol.NewEncoder(1 + len(sorted)*16)
	enc.WriteVarUint(uint64(len(sorted)))
	for _, rec := range sorted {
		enc.WriteVarUint(rec.ClientID)
		enc.WriteVarUint(rec.Clock)
		enc.WriteVarString(rec.State)
	}
	return enc.Bytes()
}

// DecodeUpdate parses an update. Returned records have a zero LastSeen.
func DecodeUpdate(update []byte) ([]Record, error) {
	dec := protocol.NewDecoder(update)

	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("awareness count: %w", err)
	}
	if n > uint64(len(update)) {
		return nil, fmt.Errorf("awareness count %d exceeds update size: %w", n, protocol.ErrTruncated)
	}

	records := make([]Record, 0, n)
	for i := uint64(0); i < n; i++ {
		var rec Record
		if rec.ClientID, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("awareness record %d client: %w", i, err)
		}
		if rec.Clock, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("awareness record %d clock: %w", i, err)
		}
		if rec.State, err = dec.ReadVarString(); err != nil {
			return nil, fmt.Errorf("awareness record %d state: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
