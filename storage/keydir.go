package storage

import (
	"bytes"

	"github.com/tidwall/btree"
)

// keydirEntry locates the live value of a key in the log file.
type keydirEntry struct {
	key      []byte
	valuePos int64
	valueLen uint32
}

func (e keydirEntry) keyBytes() []byte { return e.key }

// keydir maps keys to the position and length of their most recent value in
// the log file, ordered lexicographically on the raw key bytes. Tombstones
// are represented by absence: the keydir only ever holds live keys.
type keydir struct {
	tree *btree.BTreeG[keydirEntry]
}

func newKeydir() *keydir {
	return &keydir{tree: btree.NewBTreeG(func(a, b keydirEntry) bool {
		return bytes.Compare(a.key, b.key) < 0
	})}
}

func (kd *keydir) get(key []byte) (keydirEntry, bool) {
	return kd.tree.Get(keydirEntry{key: key})
}

func (kd *keydir) set(key []byte, valuePos int64, valueLen uint32) {
	k := make([]byte, len(key))
	copy(k, key)
	kd.tree.Set(keydirEntry{key: k, valuePos: valuePos, valueLen: valueLen})
}

func (kd *keydir) delete(key []byte) {
	kd.tree.Delete(keydirEntry{key: key})
}

func (kd *keydir) len() int {
	return kd.tree.Len()
}

// keyed is a B-tree item ordered by its key bytes.
type keyed interface {
	keyBytes() []byte
}

// cursor walks the items of an ordered B-tree whose keys fall in a range,
// from either end. Every step seeks from the last yielded key, so the cursor
// always observes the current tree state. The two ends converge: once they
// meet, the cursor is exhausted.
type cursor[T keyed] struct {
	tree  *btree.BTreeG[T]
	pivot func(key []byte) T
	rng   Range
	item  T

	frontStarted bool
	backStarted  bool
	lastFront    []byte
	lastBack     []byte
	done         bool
}

func newCursor[T keyed](tree *btree.BTreeG[T], pivot func(key []byte) T, rng Range) *cursor[T] {
	return &cursor[T]{tree: tree, pivot: pivot, rng: rng}
}

// next advances the cursor from the front, returning false when the range is
// exhausted. The current item is in c.item.
func (c *cursor[T]) next() bool {
	if c.done {
		return false
	}
	var cand T
	var found bool
	take := func(it T) bool {
		cand, found = it, true
		return false
	}
	skip := func(key []byte) func(T) bool {
		return func(it T) bool {
			if bytes.Equal(it.keyBytes(), key) {
				return true
			}
			return take(it)
		}
	}
	switch {
	case c.frontStarted:
		c.tree.Ascend(c.pivot(c.lastFront), skip(c.lastFront))
	case c.rng.Start.Type == Unbounded:
		c.tree.Scan(take)
	case c.rng.Start.Type == Excluded:
		c.tree.Ascend(c.pivot(c.rng.Start.Key), skip(c.rng.Start.Key))
	default:
		c.tree.Ascend(c.pivot(c.rng.Start.Key), take)
	}
	if !found {
		c.done = true
		return false
	}
	key := cand.keyBytes()
	if c.rng.End.Type != Unbounded {
		if cmp := bytes.Compare(key, c.rng.End.Key); cmp > 0 || (cmp == 0 && c.rng.End.Type == Excluded) {
			c.done = true
			return false
		}
	}
	if c.backStarted && bytes.Compare(key, c.lastBack) >= 0 {
		c.done = true
		return false
	}
	c.item = cand
	c.frontStarted = true
	c.lastFront = key
	return true
}

// nextBack advances the cursor from the back, mirroring next.
func (c *cursor[T]) nextBack() bool {
	if c.done {
		return false
	}
	var cand T
	var found bool
	take := func(it T) bool {
		cand, found = it, true
		return false
	}
	skip := func(key []byte) func(T) bool {
		return func(it T) bool {
			if bytes.Equal(it.keyBytes(), key) {
				return true
			}
			return take(it)
		}
	}
	switch {
	case c.backStarted:
		c.tree.Descend(c.pivot(c.lastBack), skip(c.lastBack))
	case c.rng.End.Type == Unbounded:
		c.tree.Reverse(take)
	case c.rng.End.Type == Excluded:
		c.tree.Descend(c.pivot(c.rng.End.Key), skip(c.rng.End.Key))
	default:
		c.tree.Descend(c.pivot(c.rng.End.Key), take)
	}
	if !found {
		c.done = true
		return false
	}
	key := cand.keyBytes()
	if c.rng.Start.Type != Unbounded {
		if cmp := bytes.Compare(key, c.rng.Start.Key); cmp < 0 || (cmp == 0 && c.rng.Start.Type == Excluded) {
			c.done = true
			return false
		}
	}
	if c.frontStarted && bytes.Compare(key, c.lastFront) <= 0 {
		c.done = true
		return false
	}
	c.item = cand
	c.backStarted = true
	c.lastBack = key
	return true
}
