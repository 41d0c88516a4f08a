package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvictionCountWithinBoundIsZero(t *testing.T) {
	assert.Equal(t, 0, evictionCount(5, 10))
}

func TestEvictionCountAtBoundIsZero(t *testing.T) {
	assert.Equal(t, 0, evictionCount(10, 10))
}

func TestEvictionCountBeyondBoundEvictsExcess(t *testing.T) {
	assert.Equal(t, 3, evictionCount(13, 10))
}

func TestEvictionCountDisabledWhenMaxItemsNonPositive(t *testing.T) {
	assert.Equal(t, 0, evictionCount(1000, 0))
	assert.Equal(t, 0, evictionCount(1000, -1))
}

// Persistence-backed behavior (recordAnalytics upsert, appendToHistoryPlaylist,
// RemoveItem's DB lookups) needs a live database and has no test here,
// matching internal/cache's precedent for GORM-backed code.
