package rga

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func mustInsert(t *testing.T, d *Doc, pos int, text string) []byte {
	t.Helper()
	update, err := d.Insert(pos, text)
	assert.Equal(t, err, nil)
	return update
}

func mustApply(t *testing.T, d *Doc, update []byte) {
	t.Helper()
	assert.Equal(t, d.ApplyUpdate(update), nil)
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	ua := mustInsert(t, a, 0, "AAA")
	ub := mustInsert(t, b, 0, "BBB")

	mustApply(t, a, ub)
	mustApply(t, b, ua)

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, a.Len(), 6)
	assert.Equal(t, b.Len(), 6)
}

func TestConvergenceThroughStateVectors(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	mustInsert(t, a, 0, "hello")
	mustInsert(t, b, 0, "world")

	diffForB, err := a.EncodeDiff(b.EncodeStateVector())
	assert.Equal(t, err, nil)
	diffForA, err := b.EncodeDiff(a.EncodeStateVector())
	assert.Equal(t, err, nil)

	mustApply(t, b, diffForB)
	mustApply(t, a, diffForA)

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, a.Len(), 10)
}

func TestApplyIsIdempotent(t *testing.T) {
	src := NewDoc(1)
	update := mustInsert(t, src, 0, "abc")

	once := NewDoc(2)
	mustApply(t, once, update)

	twice := NewDoc(3)
	mustApply(t, twice, update)
	mustApply(t, twice, update)

	assert.Equal(t, twice.String(), once.String())
	assert.Equal(t, twice.EncodeStateVector(), once.EncodeStateVector())
}

func TestOutOfOrderDelivery(t *testing.T) {
	src := NewDoc(1)
	first := mustInsert(t, src, 0, "ab")
	second := mustInsert(t, src, 2, "cd")

	dst := NewDoc(2)
	mustApply(t, dst, second)
	assert.Equal(t, dst.String(), "")

	mustApply(t, dst, first)
	assert.Equal(t, dst.String(), "abcd")
}

func TestDeleteConverges(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	mustApply(t, b, mustInsert(t, a, 0, "abcdef"))

	del, err := a.Delete(1, 2)
	assert.Equal(t, err, nil)
	ins := mustInsert(t, b, 3, "X")

	mustApply(t, a, ins)
	mustApply(t, b, del)

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, a.String(), "aXdef")
}

func TestDiffOnlyCarriesMissingItems(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)
	mustApply(t, b, mustInsert(t, a, 0, "abc"))

	diff, err := a.EncodeDiff(b.EncodeStateVector())
	assert.Equal(t, err, nil)
	assert.Equal(t, Engine{}.HasChanges(diff), false)

	mustInsert(t, a, 3, "d")
	diff, err = a.EncodeDiff(b.EncodeStateVector())
	assert.Equal(t, err, nil)
	assert.Equal(t, Engine{}.HasChanges(diff), true)

	mustApply(t, b, diff)
	assert.Equal(t, b.String(), "abcd")
}

func TestHasChanges(t *testing.T) {
	e := NewEngine()
	d := NewDoc(1)

	assert.Equal(t, e.HasChanges(encodeUpdate(nil, nil)), false)
	assert.Equal(t, e.HasChanges(d.EncodeStateAsUpdate()), false)

	assert.Equal(t, e.HasChanges(mustInsert(t, d, 0, "x")), true)

	del, err := d.Delete(0, 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, e.HasChanges(del), true)
}

func TestSnapshotRestoresState(t *testing.T) {
	a := NewDoc(1)
	mustInsert(t, a, 0, "persist me")
	_, err := a.Delete(0, 8)
	assert.Equal(t, err, nil)

	b := NewDoc(2)
	mustApply(t, b, a.EncodeStateAsUpdate())
	assert.Equal(t, b.String(), "me")
}

func TestMalformedUpdate(t *testing.T) {
	d := NewDoc(1)
	assert.NotEqual(t, d.ApplyUpdate([]byte{0x05, 0x01}), nil)
	assert.NotEqual(t, d.ApplyUpdate([]byte{0x00, 0x00, 0x09}), nil)

	_, err := d.EncodeDiff([]byte{0x03})
	assert.NotEqual(t, err, nil)
}

func TestInsertOutOfRange(t *testing.T) {
	d := NewDoc(1)
	_, err := d.Insert(4, "x")
	assert.NotEqual(t, err, nil)

	_, err = d.Delete(0, 1)
	assert.NotEqual(t, err, nil)
}
