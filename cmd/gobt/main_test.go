package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithNoArgsIsUsageError(t *testing.T) {
	assert.Equal(t, exitUsage, run(nil))
}

func TestRunWithUnknownSubcommandIsUsageError(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"bogus"}))
}

func TestRunAddWithoutSourceIsUsageError(t *testing.T) {
	assert.Equal(t, exitUsage, run([]string{"add"}))
}

func TestRunAddWithMissingFileIsFatal(t *testing.T) {
	assert.Equal(t, exitFatal, run([]string{"add", "/nonexistent/path.torrent", t.TempDir()}))
}

func TestRunListOnEmptyQueueSucceeds(t *testing.T) {
	assert.Equal(t, exitSuccess, run([]string{"list", t.TempDir()}))
}

func TestQueuePersistsAcrossLoadSave(t *testing.T) {
	dir := t.TempDir()

	err := appendQueueEntry(dir, queueEntry{
		ID:       "abc",
		Source:   "example.torrent",
		InfoHash: "deadbeef",
		Name:     "example",
		AddedAt:  time.Now(),
		Status:   "queued",
	})
	require.NoError(t, err)

	entries, err := loadQueue(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queued", entries[0].Status)

	updateQueueStatus(dir, "abc", "complete")

	entries, err = loadQueue(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "complete", entries[0].Status)
}

func TestLoadQueueOnMissingFileReturnsEmpty(t *testing.T) {
	entries, err := loadQueue(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
