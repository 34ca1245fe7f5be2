package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestJournal_AppendAndRecent(t *testing.T) {
	j, _ := openTemp(t)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		seq, err := j.Append(Entry{
			Round:    uint64(i),
			Time:     at.Add(time.Duration(i) * time.Minute),
			Outcome:  "found",
			Nonce:    uint64(i * 100),
			Attempts: 1 << 20,
			Elapsed:  time.Duration(i) * time.Second,
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	recent, err := j.Recent(3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].Seq)
	assert.Equal(t, uint64(4), recent[1].Seq)
	assert.Equal(t, uint64(3), recent[2].Seq)
	assert.Equal(t, uint64(500), recent[0].Nonce)
	assert.Equal(t, 5*time.Second, recent[0].Elapsed)
	assert.True(t, at.Add(5*time.Minute).Equal(recent[0].Time))

	all, err := j.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	n, err := j.Count()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestJournal_EmptyRecent(t *testing.T) {
	j, _ := openTemp(t)

	recent, err := j.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{Round: 1, Outcome: "exhausted", Parent: "abc"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	seq, err := j.Append(Entry{Round: 2, Outcome: "found", Hash: "00ff"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq, "sequence continues after reopen")

	recent, err := j.Recent(0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "abc", recent[1].Parent)
	assert.Equal(t, "00ff", recent[0].Hash)
}

func TestJournal_ClosedErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = j.Append(Entry{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Recent(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = j.Count()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_LockedTimesOut(t *testing.T) {
	_, path := openTemp(t)

	start := time.Now()
	_, err := Open(path)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "journal.db"))
	assert.Error(t, err)
}
