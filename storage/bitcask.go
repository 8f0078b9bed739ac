package storage

import (
	"log/slog"
)

// BitCask is a very simple variant of BitCask, a log-structured key-value
// engine used e.g. by the Riak database. It is not compatible with BitCask
// databases generated by other implementations.
//
// BitCask writes key-value pairs to an append-only log file, and keeps a
// mapping of keys to file positions in memory. All live keys must fit in
// memory. Deletes write a tombstone value to the log file. To remove old
// garbage, the log can be compacted by writing a new log containing only
// live data, skipping replaced values and tombstones.
//
// This implementation makes several significant simplifications over
// standard BitCask:
//
//   - Instead of writing multiple fixed-size log files, it uses a single
//     append-only log file of arbitrary size. This increases the compaction
//     volume, since the entire log file must be rewritten on every
//     compaction, but toydb databases are expected to be small.
//
//   - Compactions require exclusive use of the database. This is ok since
//     toydb only compacts during node startup and files are expected to be
//     small.
//
//   - Hint files are not used, the log itself is scanned when opened to
//     build the keydir. Hint files only omit values, and toydb values are
//     expected to be small, so the hint files would be nearly as large as
//     the compacted log files themselves.
//
//   - Log entries don't contain timestamps or checksums.
type BitCask struct {
	// The active append-only log file.
	log *dataLog
	// Maps keys to a value position and length in the log file.
	keydir *keydir
}

var _ Engine = (*BitCask)(nil)

// NewBitCask opens or creates a BitCask database in the given file.
func NewBitCask(path string) (*BitCask, error) {
	slog.Info("opening database", "path", path)
	log, err := openDataLog(path)
	if err != nil {
		return nil, err
	}
	kd, err := log.buildKeydir()
	if err != nil {
		log.close()
		return nil, err
	}
	slog.Info("indexed live keys", "keys", kd.len(), "path", path)
	return &BitCask{log: log, keydir: kd}, nil
}

// Get returns the value for a key, or ok=false if it does not exist. The
// value is read from disk on every call.
func (b *BitCask) Get(key []byte) ([]byte, bool, error) {
	entry, ok := b.keydir.get(key)
	if !ok {
		return nil, false, nil
	}
	value, err := b.log.readValue(entry.valuePos, entry.valueLen)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores a value for a key by appending an entry to the log and pointing
// the keydir at the value bytes within it.
func (b *BitCask) Set(key, value []byte) error {
	pos, length, err := b.log.writeEntry(key, value, false)
	if err != nil {
		return err
	}
	valueLen := uint32(len(value))
	b.keydir.set(key, pos+int64(length)-int64(valueLen), valueLen)
	return nil
}

// Delete appends a tombstone entry to the log and removes the key from the
// keydir. Deleting a key that does not exist still appends a tombstone, to
// keep the write path uniform.
func (b *BitCask) Delete(key []byte) error {
	if _, _, err := b.log.writeEntry(key, nil, true); err != nil {
		return err
	}
	b.keydir.delete(key)
	return nil
}

// Scan iterates over key/value pairs whose keys fall in the given range, in
// key order. Values are read from the log as the iterator advances.
func (b *BitCask) Scan(r Range) ScanIterator {
	return &bitcaskIterator{
		cursor: newCursor(b.keydir.tree, keydirPivot, r),
		log:    b.log,
	}
}

// ScanPrefix iterates over all key/value pairs whose keys start with prefix.
func (b *BitCask) ScanPrefix(prefix []byte) ScanIterator {
	return b.Scan(PrefixRange(prefix))
}

// Flush syncs the log file to stable storage.
func (b *BitCask) Flush() error {
	return b.log.sync()
}

// Status returns engine status and statistics. Live disk size adds the two
// length prefixes of every live entry on top of the logical size.
func (b *BitCask) Status() (Status, error) {
	keys := int64(b.keydir.len())
	var size int64
	b.keydir.tree.Scan(func(e keydirEntry) bool {
		size += int64(len(e.key)) + int64(e.valueLen)
		return true
	})
	totalDiskSize, err := b.log.size()
	if err != nil {
		return Status{}, err
	}
	liveDiskSize := size + entryHeaderSize*keys // account for length prefixes
	return Status{
		Name:            "bitcask",
		Keys:            keys,
		Size:            size,
		TotalDiskSize:   totalDiskSize,
		LiveDiskSize:    liveDiskSize,
		GarbageDiskSize: totalDiskSize - liveDiskSize,
	}, nil
}

// Close flushes the database and releases the file lock. A flush failure is
// logged and suppressed so that closing always releases the lock.
func (b *BitCask) Close() error {
	if err := b.Flush(); err != nil {
		slog.Error("failed to flush database file", "path", b.log.path, "error", err)
	}
	return b.log.close()
}

func keydirPivot(key []byte) keydirEntry {
	return keydirEntry{key: key}
}

// bitcaskIterator is a lazy, bidirectional iterator over a key range. It
// borrows the engine's keydir for ordering and its log for value reads; no
// mutation may happen on the engine while the iterator is in use.
type bitcaskIterator struct {
	cursor *cursor[keydirEntry]
	log    *dataLog
	value  []byte
	err    error
}

func (it *bitcaskIterator) Next() bool {
	if it.err != nil || !it.cursor.next() {
		return false
	}
	return it.read()
}

func (it *bitcaskIterator) NextBack() bool {
	if it.err != nil || !it.cursor.nextBack() {
		return false
	}
	return it.read()
}

func (it *bitcaskIterator) read() bool {
	entry := it.cursor.item
	it.value, it.err = it.log.readValue(entry.valuePos, entry.valueLen)
	return it.err == nil
}

func (it *bitcaskIterator) Key() []byte   { return it.cursor.item.key }
func (it *bitcaskIterator) Value() []byte { return it.value }
func (it *bitcaskIterator) Err() error    { return it.err }
