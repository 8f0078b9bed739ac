package storage

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// NewBitCaskCompact opens a BitCask database, and automatically compacts it
// if the amount of garbage is at least the given fraction of the file and
// the given byte size when opened.
func NewBitCaskCompact(path string, garbageMinFraction float64, garbageMinBytes int64) (*BitCask, error) {
	b, err := NewBitCask(path)
	if err != nil {
		return nil, err
	}
	status, err := b.Status()
	if err != nil {
		b.Close()
		return nil, err
	}
	if shouldCompact(status.GarbageDiskSize, status.TotalDiskSize, garbageMinFraction, garbageMinBytes) {
		slog.Info("compacting database to remove garbage",
			"path", path,
			"garbage_percent", float64(status.GarbageDiskSize)/float64(status.TotalDiskSize)*100,
			"garbage_mb", status.GarbageDiskSize/1024/1024,
			"total_mb", status.TotalDiskSize/1024/1024)
		if err := b.Compact(); err != nil {
			b.Close()
			return nil, err
		}
		slog.Info("compacted database",
			"path", path,
			"size_mb", (status.TotalDiskSize-status.GarbageDiskSize)/1024/1024)
	}
	return b, nil
}

// shouldCompact returns true if the log file should be compacted: there is
// garbage, it is at least minBytes, and it is at least the given fraction of
// the total file size.
func shouldCompact(garbageSize, totalSize int64, minFraction float64, minBytes int64) bool {
	garbageFraction := float64(garbageSize) / float64(totalSize)
	return garbageSize > 0 && garbageSize >= minBytes && garbageFraction >= minFraction
}

// Compact compacts the current log file by writing out a new log file
// containing only live entries and atomically replacing the current file
// with it. The rename is the commit point: a crash before it leaves the
// temporary file orphaned, to be overwritten by the next compaction.
func (b *BitCask) Compact() error {
	tmpPath := siblingPath(b.log.path, ".new")
	newLog, newKeydir, err := b.writeLog(tmpPath)
	if err != nil {
		return err
	}

	if err := atomic.ReplaceFile(newLog.path, b.log.path); err != nil {
		newLog.close()
		return err
	}
	newLog.path = b.log.path

	// The new log's lock follows the renamed inode, so lock custody is never
	// interrupted. The old handle now references an unlinked inode.
	oldLog := b.log
	b.log = newLog
	b.keydir = newKeydir
	if err := oldLog.close(); err != nil {
		slog.Warn("failed to close pre-compaction log file",
			"path", b.log.path, "error", err)
	}
	return nil
}

// writeLog writes out a new log file at path with the live entries of the
// current log file and returns it along with its keydir. Entries are written
// in key order. The file is truncated first, as it may be left over from a
// crashed compaction.
func (b *BitCask) writeLog(path string) (*dataLog, *keydir, error) {
	newLog, err := openDataLog(path)
	if err != nil {
		return nil, nil, err
	}
	if err := newLog.file.Truncate(0); err != nil {
		newLog.close()
		return nil, nil, err
	}

	kd := newKeydir()
	var werr error
	b.keydir.tree.Scan(func(e keydirEntry) bool {
		value, err := b.log.readValue(e.valuePos, e.valueLen)
		if err != nil {
			werr = err
			return false
		}
		pos, length, err := newLog.writeEntry(e.key, value, false)
		if err != nil {
			werr = err
			return false
		}
		kd.set(e.key, pos+int64(length)-int64(e.valueLen), e.valueLen)
		return true
	})
	if werr != nil {
		newLog.close()
		return nil, nil, werr
	}
	return newLog, kd, nil
}

// siblingPath replaces the extension of path, keeping the file in the same
// directory.
func siblingPath(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
