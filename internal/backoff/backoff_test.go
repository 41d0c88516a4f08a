package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiplierGrowsWithFailures(t *testing.T) {
	tr := New(30*time.Second, 100, 300*time.Second)
	assert.Equal(t, 0, tr.CurrentMultiplier())

	for i := 0; i < 5; i++ {
		tr.RecordFailure()
	}
	assert.Equal(t, 5, tr.CurrentMultiplier())
	assert.Equal(t, 30*time.Second*6, tr.Wait())
}

func TestSuccessNeverIncreasesMultiplier(t *testing.T) {
	tr := New(time.Second, 10, time.Hour)
	for i := 0; i < 5; i++ {
		tr.RecordFailure()
	}
	before := tr.CurrentMultiplier()
	tr.RecordSuccess()
	after := tr.CurrentMultiplier()
	assert.LessOrEqual(t, after, before)
}

func TestBoundedByMaxSize(t *testing.T) {
	tr := New(time.Second, 3, time.Hour)
	for i := 0; i < 10; i++ {
		tr.RecordFailure()
	}
	assert.Equal(t, 3, tr.CurrentMultiplier())
}

func TestAgesOutAfterMaxAge(t *testing.T) {
	tr := New(time.Second, 10, 50*time.Millisecond)
	tr.RecordFailure()
	assert.Equal(t, 1, tr.CurrentMultiplier())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, tr.CurrentMultiplier())
}
