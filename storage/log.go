package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrDatabaseLocked is returned when opening a database file whose exclusive
// lock is held by another engine, typically in another process.
var ErrDatabaseLocked = errors.New("database is locked by another process")

// entryHeaderSize is the size of the two length prefixes framing every entry.
const entryHeaderSize = 8

// dataLog is an append-only log file containing a sequence of key/value
// entries encoded as follows:
//
//   - Key length as big-endian uint32.
//   - Value length as big-endian int32, or -1 for tombstones.
//   - Key as raw bytes (max 2 GB).
//   - Value as raw bytes (max 2 GB).
//
// The log holds an exclusive advisory lock on the file for its lifetime.
type dataLog struct {
	// Path to the log file.
	path string
	// The opened file containing the log.
	file *os.File
}

// openDataLog opens a log file, or creates one if it does not exist, making
// the parent directory as needed. It takes out an exclusive lock on the file
// until it is closed, or errors with ErrDatabaseLocked if the lock is
// already held.
func openDataLog(path string) (*dataLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseLocked, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &dataLog{path: path, file: file}, nil
}

// close releases the file lock and closes the file.
func (l *dataLog) close() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// size returns the current length of the log file.
func (l *dataLog) size() (int64, error) {
	stat, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// sync flushes the log file to stable storage.
func (l *dataLog) sync() error {
	return l.file.Sync()
}

// buildKeydir builds a keydir by scanning the log file from the start. If an
// incomplete entry is encountered, it is assumed to be caused by an
// interrupted write and the remainder of the file is truncated.
func (l *dataLog) buildKeydir() (*keydir, error) {
	fileLen, err := l.size()
	if err != nil {
		return nil, err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(l.file)

	kd := newKeydir()
	pos := int64(0)
	for pos < fileLen {
		key, valuePos, valueLen, live, err := readEntry(r, pos, fileLen)
		switch {
		case err == nil && live:
			kd.set(key, valuePos, valueLen)
			pos = valuePos + int64(valueLen)
		case err == nil:
			kd.delete(key)
			pos = valuePos
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			slog.Warn("found incomplete entry, truncating log",
				"path", l.path, "offset", pos)
			if err := l.file.Truncate(pos); err != nil {
				return nil, err
			}
			return kd, nil
		default:
			return nil, err
		}
	}
	return kd, nil
}

// readEntry decodes the entry at pos, returning the key, the position and
// length of the value, and whether the entry is live (false for tombstones).
// The reader is left at the start of the next entry. An entry extending past
// the end of the file yields io.EOF or io.ErrUnexpectedEOF.
func readEntry(r *bufio.Reader, pos, fileLen int64) (key []byte, valuePos int64, valueLen uint32, live bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[:])
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return
	}
	valueMeta := int32(binary.BigEndian.Uint32(lenBuf[:])) // -1 for tombstones
	valuePos = pos + entryHeaderSize + int64(keyLen)

	key = make([]byte, keyLen)
	if _, err = io.ReadFull(r, key); err != nil {
		return
	}

	if valueMeta < 0 {
		return key, valuePos, 0, false, nil
	}
	valueLen = uint32(valueMeta)
	if valuePos+int64(valueLen) > fileLen {
		err = io.ErrUnexpectedEOF // value extends beyond end of file
		return
	}
	if _, err = r.Discard(int(valueLen)); err != nil {
		return
	}
	return key, valuePos, valueLen, true, nil
}

// readValue reads a value from the log file.
func (l *dataLog) readValue(valuePos int64, valueLen uint32) ([]byte, error) {
	value := make([]byte, valueLen)
	if _, err := l.file.ReadAt(value, valuePos); err != nil {
		return nil, fmt.Errorf("reading value at offset %d: %w", valuePos, err)
	}
	return value, nil
}

// writeEntry appends a key/value entry to the log file, with tombstone=true
// for tombstones. It returns the position and total length of the entry.
func (l *dataLog) writeEntry(key, value []byte, tombstone bool) (pos int64, length uint32, err error) {
	keyLen := uint32(len(key))
	valueLen := uint32(len(value))
	valueMeta := int32(valueLen)
	if tombstone {
		valueLen, valueMeta = 0, -1
	}
	length = entryHeaderSize + keyLen + valueLen

	pos, err = l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, err
	}
	w := bufio.NewWriterSize(l.file, int(length))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], keyLen)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, 0, err
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(valueMeta))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, 0, err
	}
	if _, err := w.Write(key); err != nil {
		return 0, 0, err
	}
	if !tombstone {
		if _, err := w.Write(value); err != nil {
			return 0, 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, 0, err
	}
	return pos, length, nil
}
