package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the parts of Cache that don't require a live
// Postgres connection: content-addressed naming and the in-transit
// reference count that gates mark_lru_for_delete/collect_deletable.
// DB-backed behavior (Lookup/Insert/MarkLRUForDelete/CollectDeletable
// queries) needs a live database and has no test in this package.

func TestHashedFilenameStableForSameURL(t *testing.T) {
	a := HashedFilename("https://example.com/watch?v=1", ".m4a")
	b := HashedFilename("https://example.com/watch?v=1", ".m4a")
	assert.Equal(t, a, b)
}

func TestHashedFilenameDiffersForDifferentURLs(t *testing.T) {
	a := HashedFilename("https://example.com/watch?v=1", ".m4a")
	b := HashedFilename("https://example.com/watch?v=2", ".m4a")
	assert.NotEqual(t, a, b)
}

func TestLinkForUseIncrementsInTransitUntilReleased(t *testing.T) {
	dir := t.TempDir()
	c := &Cache{localDir: dir, inTransit: make(map[string]int)}

	src := filepath.Join(dir, "source.m4a")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))

	url := "https://example.com/watch?v=1"
	dest, err := c.LinkForUse(url, src, "guild-1")
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.Equal(t, 1, c.inTransitCount(url))

	dest2, err := c.LinkForUse(url, src, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.inTransitCount(url))

	c.ReleaseUse(url)
	assert.Equal(t, 1, c.inTransitCount(url))
	c.ReleaseUse(url)
	assert.Equal(t, 0, c.inTransitCount(url))

	assert.NoError(t, os.Remove(dest))
	assert.NoError(t, os.Remove(dest2))
}

func TestReleaseUseNeverGoesNegative(t *testing.T) {
	c := &Cache{inTransit: make(map[string]int)}
	c.ReleaseUse("never-linked")
	assert.Equal(t, 0, c.inTransitCount("never-linked"))
}

func TestCopyFileCopiesContents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	dst := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, copyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
