package bus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := newStore(dir)
	require.NoError(t, err)
	return st, dir
}

func storeMessage(t *testing.T, st *store, seq uint64) *Message {
	t.Helper()
	msg := NewMessage(TypeCommand, "director", Body{Command: &CommandBody{Action: "build"}})
	msg.Seq = seq
	require.NoError(t, st.writePending(msg))
	return msg
}

func TestNewStore_CreatesDirectories(t *testing.T) {
	_, dir := newTestStore(t)

	for _, sub := range []string{"pending", "processed", "error"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestNewStore_RequiresRoot(t *testing.T) {
	_, err := newStore("")
	require.Error(t, err)
}

func TestStore_WriteAndGet(t *testing.T) {
	st, dir := newTestStore(t)
	msg := storeMessage(t, st, 1)

	info, err := os.Stat(filepath.Join(dir, "pending", msg.ID+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := st.get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, uint64(1), got.Seq)
	require.NotNil(t, got.Content.Command)
	assert.Equal(t, "build", got.Content.Command.Action)
}

func TestStore_GetMissing(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListPendingOrdersBySequence(t *testing.T) {
	st, _ := newTestStore(t)
	// Write out of order; enumeration order must not leak through.
	storeMessage(t, st, 3)
	storeMessage(t, st, 1)
	storeMessage(t, st, 2)

	msgs, err := st.listPending()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(1), msgs[0].Seq)
	assert.Equal(t, uint64(2), msgs[1].Seq)
	assert.Equal(t, uint64(3), msgs[2].Seq)
}

func TestStore_MarkProcessed(t *testing.T) {
	st, dir := newTestStore(t)
	msg := storeMessage(t, st, 1)

	require.NoError(t, st.markProcessed(msg.ID))

	assert.NoFileExists(t, filepath.Join(dir, "pending", msg.ID+".json"))
	assert.FileExists(t, filepath.Join(dir, "processed", msg.ID+".json"))

	assert.ErrorIs(t, st.markProcessed(msg.ID), ErrNotFound)
}

func TestStore_MarkErrorRecordsRejection(t *testing.T) {
	st, dir := newTestStore(t)
	msg := storeMessage(t, st, 1)

	// In-memory state ahead of the pending file, as during dispatch.
	msg.RetryCount = 3
	require.NoError(t, st.markError(msg, "max retries exceeded"))

	assert.NoFileExists(t, filepath.Join(dir, "pending", msg.ID+".json"))

	stored, err := readMessage(filepath.Join(dir, "error", msg.ID+".json"))
	require.NoError(t, err)
	assert.Equal(t, "max retries exceeded", stored.Metadata["rejectionReason"])
	// The caller's copy wins over the stale pending file.
	assert.Equal(t, 3, stored.RetryCount)

	rejectedAt, err := time.Parse(time.RFC3339, stored.Metadata["rejectedAt"])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), rejectedAt, time.Minute)
}

func TestStore_MarkErrorMissing(t *testing.T) {
	st, _ := newTestStore(t)
	msg := NewMessage(TypeCommand, "director", Body{Command: &CommandBody{Action: "build"}})
	assert.ErrorIs(t, st.markError(msg, "bad"), ErrNotFound)
}

func TestStore_UpdateRewritesPending(t *testing.T) {
	st, _ := newTestStore(t)
	msg := storeMessage(t, st, 1)

	msg.RetryCount = 2
	require.NoError(t, st.update(msg))

	got, err := st.get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestStore_UpdateMissing(t *testing.T) {
	st, _ := newTestStore(t)
	msg := NewMessage(TypeCommand, "director", Body{Command: &CommandBody{Action: "build"}})
	assert.ErrorIs(t, st.update(msg), ErrNotFound)
}

func TestStore_MaxSeqScansAllDirectories(t *testing.T) {
	st, _ := newTestStore(t)
	storeMessage(t, st, 2)
	done := storeMessage(t, st, 7)
	failed := storeMessage(t, st, 5)

	require.NoError(t, st.markProcessed(done.ID))
	require.NoError(t, st.markError(failed, "bad"))

	max, err := st.maxSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), max)
}

func TestStore_MaxSeqEmpty(t *testing.T) {
	st, _ := newTestStore(t)
	max, err := st.maxSeq()
	require.NoError(t, err)
	assert.Zero(t, max)
}

func TestStore_GCRemovesExpiredKeepsErrors(t *testing.T) {
	st, dir := newTestStore(t)
	oldPending := storeMessage(t, st, 1)
	oldDone := storeMessage(t, st, 2)
	oldFailed := storeMessage(t, st, 3)
	fresh := storeMessage(t, st, 4)

	require.NoError(t, st.markProcessed(oldDone.ID))
	require.NoError(t, st.markError(oldFailed, "bad"))

	stale := time.Now().Add(-48 * time.Hour)
	for _, path := range []string{
		filepath.Join(dir, "pending", oldPending.ID+".json"),
		filepath.Join(dir, "processed", oldDone.ID+".json"),
		filepath.Join(dir, "error", oldFailed.ID+".json"),
	} {
		require.NoError(t, os.Chtimes(path, stale, stale))
	}

	removed, err := st.gc(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, filepath.Join(dir, "pending", oldPending.ID+".json"))
	assert.NoFileExists(t, filepath.Join(dir, "processed", oldDone.ID+".json"))
	// Failed messages are kept for inspection regardless of age.
	assert.FileExists(t, filepath.Join(dir, "error", oldFailed.ID+".json"))
	assert.FileExists(t, filepath.Join(dir, "pending", fresh.ID+".json"))
}

func TestStore_Counts(t *testing.T) {
	st, _ := newTestStore(t)
	storeMessage(t, st, 1)
	storeMessage(t, st, 2)
	done := storeMessage(t, st, 3)
	failed := storeMessage(t, st, 4)

	require.NoError(t, st.markProcessed(done.ID))
	require.NoError(t, st.markError(failed, "bad"))

	pending, processed, errored, err := st.counts()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, errored)
}

func TestStore_CorruptFileSkippedInList(t *testing.T) {
	st, dir := newTestStore(t)
	storeMessage(t, st, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pending", "garbage.json"), []byte("{not json"), 0600))

	msgs, err := st.listPending()
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
