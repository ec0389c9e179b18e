package rga

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"docsync/internal/protocol"
)

const flagHasOrigin = 1

func encodeUpdate(items []*item, deletes []ID) []byte {
	enc := protocol.NewEncoder(len(items)*8 + len(deletes)*4 + 2)

	enc.WriteVarUint(uint64(len(items)))
	for _, it := range items {
		enc.WriteVarUint(it.id.Client)
		enc.WriteVarUint(it.id.Clock)
		enc.WriteVarUint(it.lamport)
		if it.hasOrigin {
			enc.WriteVarUint(flagHasOrigin)
			enc.WriteVarUint(it.origin.Client)
			enc.WriteVarUint(it.origin.Clock)
		} else {
			enc.WriteVarUint(0)
		}
		enc.WriteVarUint(uint64(it.value))
	}

	enc.WriteVarUint(uint64(len(deletes)))
	for _, id := range deletes {
		enc.WriteVarUint(id.Client)
		enc.WriteVarUint(id.Clock)
	}
	return enc.Bytes()
}

func decodeUpdate(update []byte) ([]*item, []ID, error) {
	dec := protocol.NewDecoder(update)

	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, nil, fmt.Errorf("rga: item count: %w", err)
	}
	if n > uint64(len(update)) {
		return nil, nil, fmt.Errorf("rga: item count %d exceeds update size", n)
	}

	items := make([]*item, 0, n)
	for i := uint64(0); i < n; i++ {
		var it item
		fields := []*uint64{&it.id.Client, &it.id.Clock, &it.lamport}
		for _, f := range fields {
			if *f, err = dec.ReadVarUint(); err != nil {
				return nil, nil, fmt.Errorf("rga: item %d: %w", i, err)
			}
		}

		flags, err := dec.ReadVarUint()
		if err != nil {
			return nil, nil, fmt.Errorf("rga: item %d flags: %w", i, err)
		}
		if flags&flagHasOrigin != 0 {
			it.hasOrigin = true
			if it.origin.Client, err = dec.ReadVarUint(); err != nil {
				return nil, nil, fmt.Errorf("rga: item %d origin: %w", i, err)
			}
			if it.origin.Clock, err = dec.ReadVarUint(); err != nil {
				return nil, nil, fmt.Errorf("rga: item %d origin: %w", i, err)
			}
		}

		r, err := dec.ReadVarUint()
		if err != nil {
			return nil, nil, fmt.Errorf("rga: item %d value: %w", i, err)
		}
		if r > utf8.MaxRune || !utf8.ValidRune(rune(r)) {
			return nil, nil, fmt.Errorf("rga: item %d: invalid rune %d", i, r)
		}
		it.value = rune(r)
		items = append(items, &it)
	}

	m, err := dec.ReadVarUint()
	if err != nil {
		return nil, nil, fmt.Errorf("rga: delete count: %w", err)
	}
	if m > uint64(len(update)) {
		return nil, nil, fmt.Errorf("rga: delete count %d exceeds update size", m)
	}

	deletes := make([]ID, 0, m)
	for i := uint64(0); i < m; i++ {
		var id ID
		if id.Client, err = dec.ReadVarUint(); err != nil {
			return nil, nil, fmt.Errorf("rga: delete %d: %w", i, err)
		}
		if id.Clock, err = dec.ReadVarUint(); err != nil {
			return nil, nil, fmt.Errorf("rga: delete %d: %w", i, err)
		}
		deletes = append(deletes, id)
	}

	if dec.HasMore() {
		return nil, nil, fmt.Errorf("rga: %d trailing bytes", len(dec.Remaining()))
	}
	return items, deletes, nil
}

func encodeStateVector(clocks map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(clocks))
	for c := range clocks {
		clients = append(clients, c)
	}
	slices.Sort(clients)

	enc := protocol.NewEncoder(1 + len(clients)*6)
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteVarUint(c)
		enc.WriteVarUint(clocks[c])
	}
	return enc.Bytes()
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	dec := protocol.NewDecoder(sv)

	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("rga: state vector: %w", err)
	}
	if n > uint64(len(sv)) {
		return nil, fmt.Errorf("rga: state vector length %d exceeds input", n)
	}

	clocks := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("rga: state vector: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("rga: state vector: %w", err)
		}
		clocks[client] = clock
	}
	return clocks, nil
}
