package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataLog(t *testing.T) *dataLog {
	t.Helper()
	l, err := openDataLog(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	t.Cleanup(func() { l.close() })
	return l
}

// Tests the exact byte layout of appended entries, including tombstones and
// empty keys and values.
func TestWriteEntryLayout(t *testing.T) {
	l := newTestDataLog(t)

	pos, n, err := l.writeEntry([]byte("foo"), []byte{1, 2, 3}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)
	assert.EqualValues(t, 14, n)

	pos, n, err = l.writeEntry([]byte("foo"), nil, true)
	require.NoError(t, err)
	assert.EqualValues(t, 14, pos)
	assert.EqualValues(t, 11, n)

	pos, n, err = l.writeEntry([]byte{}, []byte{}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 25, pos)
	assert.EqualValues(t, 8, n)

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	want := []byte{
		0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00, 0x03, 'f', 'o', 'o', 1, 2, 3, // set foo=[1,2,3]
		0x00, 0x00, 0x00, 0x03, 0xff, 0xff, 0xff, 0xff, 'f', 'o', 'o', // delete foo
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // set ""=""
	}
	assert.Equal(t, want, data)
}

// Tests that readValue returns exactly the bytes written at the offset
// reported by writeEntry.
func TestReadValue(t *testing.T) {
	l := newTestDataLog(t)

	_, _, err := l.writeEntry([]byte("padding"), []byte("xxxx"), false)
	require.NoError(t, err)
	pos, n, err := l.writeEntry([]byte("key"), []byte("value"), false)
	require.NoError(t, err)

	valueLen := uint32(len("value"))
	valuePos := pos + int64(n) - int64(valueLen)
	v, err := l.readValue(valuePos, valueLen)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)

	// Empty values read back as empty.
	pos, n, err = l.writeEntry([]byte("empty"), []byte{}, false)
	require.NoError(t, err)
	v, err = l.readValue(pos+int64(n), 0)
	require.NoError(t, err)
	assert.Empty(t, v)
}

// Tests that buildKeydir replays sets and tombstones in order, keeping only
// live keys pointed at their latest value.
func TestBuildKeydir(t *testing.T) {
	l := newTestDataLog(t)

	_, _, err := l.writeEntry([]byte("a"), []byte{1}, false)
	require.NoError(t, err)
	_, _, err = l.writeEntry([]byte("b"), []byte{2}, false)
	require.NoError(t, err)
	pos, n, err := l.writeEntry([]byte("a"), []byte{3, 3}, false)
	require.NoError(t, err)
	_, _, err = l.writeEntry([]byte("b"), nil, true)
	require.NoError(t, err)

	kd, err := l.buildKeydir()
	require.NoError(t, err)
	assert.Equal(t, 1, kd.len())

	_, ok := kd.get([]byte("b"))
	assert.False(t, ok)

	entry, ok := kd.get([]byte("a"))
	require.True(t, ok)
	assert.EqualValues(t, 2, entry.valueLen)
	assert.Equal(t, pos+int64(n)-2, entry.valuePos)

	v, err := l.readValue(entry.valuePos, entry.valueLen)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 3}, v)
}

// Tests that scanning a log with a truncated tail discards the incomplete
// entry and truncates the file at the last entry boundary.
func TestBuildKeydirTruncatedTail(t *testing.T) {
	// A complete entry for a=[1], followed by the truncated tails below.
	complete := []byte{0, 0, 0, 1, 0, 0, 0, 1, 'a', 1}

	tests := []struct {
		name string
		tail []byte
	}{
		{"partial header", []byte{0, 0, 0, 2, 0, 0}},
		{"partial key", []byte{0, 0, 0, 5, 0, 0, 0, 1, 'k', 'e'}},
		{"missing value", []byte{0, 0, 0, 1, 0, 0, 0, 5, 'k'}},
		{"partial value", []byte{0, 0, 0, 1, 0, 0, 0, 5, 'k', 9, 9}},
		{"partial tombstone", []byte{0, 0, 0, 3, 0xff, 0xff, 0xff, 0xff, 'k'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "log")
			require.NoError(t, os.WriteFile(path, append(append([]byte{}, complete...), tt.tail...), 0o644))

			l, err := openDataLog(path)
			require.NoError(t, err)
			defer l.close()

			kd, err := l.buildKeydir()
			require.NoError(t, err)
			assert.Equal(t, 1, kd.len())

			entry, ok := kd.get([]byte("a"))
			require.True(t, ok)
			v, err := l.readValue(entry.valuePos, entry.valueLen)
			require.NoError(t, err)
			assert.Equal(t, []byte{1}, v)

			// The file was truncated back to the last complete entry.
			size, err := l.size()
			require.NoError(t, err)
			assert.EqualValues(t, len(complete), size)
		})
	}
}

// Tests that opening the same log file twice fails until the first handle is
// closed.
func TestDataLogLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	l, err := openDataLog(path)
	require.NoError(t, err)

	_, err = openDataLog(path)
	assert.ErrorIs(t, err, ErrDatabaseLocked)

	require.NoError(t, l.close())
	l, err = openDataLog(path)
	require.NoError(t, err)
	require.NoError(t, l.close())
}

// Tests that opening a log in a missing directory creates it.
func TestOpenDataLogCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "log")
	l, err := openDataLog(path)
	require.NoError(t, err)
	defer l.close()

	_, err = os.Stat(path)
	require.NoError(t, err)
}
