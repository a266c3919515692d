package wal

// ============================================================================
// WAL 測試
// 職責：驗證追加、重放、旋轉與損壞偵測
// ============================================================================

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitPayload struct {
	Table uint32 `json:"table"`
	Epoch uint64 `json:"epoch"`
}

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.wal")
	w, err := NewWAL(path, false, 4)
	require.NoError(t, err)
	return w, path
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	for i := 1; i <= 3; i++ {
		seq, err := w.Append(EventCommitEpoch, commitPayload{Table: 1, Epoch: uint64(i)}, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, EventCommitEpoch, e.Type)
		var p commitPayload
		require.NoError(t, e.Decode(&p))
		assert.Equal(t, uint64(i+1), p.Epoch)
	}

	assert.Len(t, collect(t, w, 2), 1)
}

func TestReopenContinuesSequence(t *testing.T) {
	w, path := openTestWAL(t)
	_, err := w.Append(EventWorkerAdd, map[string]int{"id": 1}, true)
	require.NoError(t, err)
	_, err = w.Append(EventWorkerAdd, map[string]int{"id": 2}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, true, 1)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.GetLastSeq())

	seq, err := reopened.Append(EventWorkerRemove, map[string]int{"id": 1}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestRotateKeepsSequence(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	_, err := w.Append(EventJobCreate, map[string]int{"id": 7}, false)
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	assert.Empty(t, collect(t, w, 0))

	seq, err := w.Append(EventJobCreated, map[string]int{"id": 7}, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	events := collect(t, w, 1)
	require.Len(t, events, 1)
	assert.Equal(t, EventJobCreated, events[0].Type)
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.wal")
	w, err := NewWAL(path, true, 1)
	require.NoError(t, err)
	_, err = w.Append(EventCommitEpoch, commitPayload{Table: 1, Epoch: 1}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"epoch":1`), []byte(`"epoch":9`), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	w, err = NewWAL(path, true, 1)
	require.NoError(t, err)
	defer w.Close()

	err = w.Replay(0, func(Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.wal")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0644))

	_, err := NewWAL(path, true, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
}

func TestClosedWAL(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err := w.Append(EventCommitEpoch, commitPayload{}, false)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.ErrorIs(t, w.Rotate(), ErrWALClosed)
}

func TestChecksumCoversSequence(t *testing.T) {
	payload := []byte(`{"a":1}`)
	assert.NotEqual(t,
		CalculateChecksum(EventCommitEpoch, payload, 1),
		CalculateChecksum(EventCommitEpoch, payload, 2))
	assert.NotEqual(t,
		CalculateChecksum(EventCommitEpoch, payload, 1),
		CalculateChecksum(EventJobCreate, payload, 1))

	e := Event{Seq: 5, Type: EventLogTruncate, Payload: payload}
	e.Checksum = CalculateChecksum(e.Type, e.Payload, e.Seq)
	assert.True(t, VerifyChecksum(e))
}

func TestEnsureSeq(t *testing.T) {
	w, _ := openTestWAL(t)
	defer w.Close()

	w.EnsureSeq(10)
	assert.Equal(t, uint64(10), w.GetLastSeq())
	w.EnsureSeq(3)
	assert.Equal(t, uint64(10), w.GetLastSeq())

	seq, err := w.Append(EventLogTruncate, map[string]int{"table": 1}, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)
}
