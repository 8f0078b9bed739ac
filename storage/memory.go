package storage

import (
	"bytes"

	"github.com/tidwall/btree"
)

// memoryEntry is a key/value pair held by the Memory engine.
type memoryEntry struct {
	key   []byte
	value []byte
}

func (e memoryEntry) keyBytes() []byte { return e.key }

// Memory is a trivial in-memory key-value engine backed by an ordered
// B-tree. It has no durability at all and is mostly useful for testing.
type Memory struct {
	tree *btree.BTreeG[memoryEntry]
}

var _ Engine = (*Memory)(nil)

// NewMemory creates a new in-memory engine.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewBTreeG(func(a, b memoryEntry) bool {
		return bytes.Compare(a.key, b.key) < 0
	})}
}

// Get returns the value for a key, or ok=false if it does not exist.
func (m *Memory) Get(key []byte) ([]byte, bool, error) {
	entry, ok := m.tree.Get(memoryEntry{key: key})
	if !ok {
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set stores a value for a key, replacing any existing value.
func (m *Memory) Set(key, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	m.tree.Set(memoryEntry{key: k, value: v})
	return nil
}

// Delete removes a key, if it exists.
func (m *Memory) Delete(key []byte) error {
	m.tree.Delete(memoryEntry{key: key})
	return nil
}

// Scan iterates over key/value pairs whose keys fall in the given range, in
// key order.
func (m *Memory) Scan(r Range) ScanIterator {
	return &memoryIterator{cursor: newCursor(m.tree, memoryPivot, r)}
}

// ScanPrefix iterates over all key/value pairs whose keys start with prefix.
func (m *Memory) ScanPrefix(prefix []byte) ScanIterator {
	return m.Scan(PrefixRange(prefix))
}

// Flush is a no-op, the engine has no durable storage.
func (m *Memory) Flush() error {
	return nil
}

// Status returns engine status and statistics. The engine has no disk
// footprint, so all disk sizes are zero.
func (m *Memory) Status() (Status, error) {
	var size int64
	m.tree.Scan(func(e memoryEntry) bool {
		size += int64(len(e.key)) + int64(len(e.value))
		return true
	})
	return Status{
		Name: "memory",
		Keys: int64(m.tree.Len()),
		Size: size,
	}, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

func memoryPivot(key []byte) memoryEntry {
	return memoryEntry{key: key}
}

// memoryIterator is a bidirectional iterator over a key range of the Memory
// engine.
type memoryIterator struct {
	cursor *cursor[memoryEntry]
}

func (it *memoryIterator) Next() bool     { return it.cursor.next() }
func (it *memoryIterator) NextBack() bool { return it.cursor.nextBack() }
func (it *memoryIterator) Key() []byte    { return it.cursor.item.key }
func (it *memoryIterator) Value() []byte  { return it.cursor.item.value }
func (it *memoryIterator) Err() error     { return nil }
