package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexrun/wfkernel/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestOpen_CreatesRunFile(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(filepath.Join(dir, "run-1.jsonl"))
	require.NoError(t, err)
}

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)

	require.NoError(t, l.Append(kernel.EventRunStarted, "", nil))
	require.NoError(t, l.Append(kernel.EventStepStarted, "1.000", map[string]any{"actor": "lint"}))
	require.NoError(t, l.Append(kernel.EventStepEnded, "1.000", map[string]any{"status": "succeeded"}))
	require.NoError(t, l.Close())

	entries := readEntries(t, filepath.Join(dir, "run-1.jsonl"))
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, int64(3), entries[2].Seq)
	assert.Equal(t, kernel.EventStepStarted, entries[1].Kind)
	assert.Equal(t, "1.000", entries[1].StepID)
}

func TestAppend_RunIDStampedOnEveryEntry(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-xyz")
	require.NoError(t, err)

	require.NoError(t, l.Append(kernel.EventRunStarted, "", nil))
	require.NoError(t, l.Close())

	entries := readEntries(t, filepath.Join(dir, "run-xyz.jsonl"))
	require.Len(t, entries, 1)
	assert.Equal(t, "run-xyz", entries[0].RunID)
}

func TestAppend_DataPayloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)

	require.NoError(t, l.Append(kernel.EventCostUpdate, "1.000", map[string]any{
		"tokens_used": float64(42),
		"remaining":   float64(958),
	}))
	require.NoError(t, l.Close())

	entries := readEntries(t, filepath.Join(dir, "run-1.jsonl"))
	require.Len(t, entries, 1)
	assert.Equal(t, float64(42), entries[0].Data["tokens_used"])
}

func TestFlush_DoesNotError(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "run-1")
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(kernel.EventRunStarted, "", nil))
	require.NoError(t, l.Flush())
}

func TestOpen_TruncatesExistingFile(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir, "run-1")
	require.NoError(t, err)
	require.NoError(t, l1.Append(kernel.EventRunStarted, "", nil))
	require.NoError(t, l1.Close())

	l2, err := Open(dir, "run-1")
	require.NoError(t, err)
	require.NoError(t, l2.Append(kernel.EventRunStarted, "", nil))
	require.NoError(t, l2.Close())

	entries := readEntries(t, filepath.Join(dir, "run-1.jsonl"))
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Seq)
}
