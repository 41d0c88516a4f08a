package download

import (
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTerminalAgeRestricted(t *testing.T) {
	err := classify(&exec.ExitError{}, "ERROR: Sign in to confirm your age")
	var term *TerminalError
	assert.ErrorAs(t, err, &term)
	assert.Equal(t, KindAgeRestricted, term.Kind)
}

func TestClassifyRetryableRateLimited(t *testing.T) {
	err := classify(&exec.ExitError{}, "ERROR: HTTP Error 429: Too Many Requests")
	var retryable *RetryableError
	assert.ErrorAs(t, err, &retryable)
}

func TestClassifyUnknownExitErrorDefaultsRetryable(t *testing.T) {
	err := classify(&exec.ExitError{}, "some completely novel failure text")
	var retryable *RetryableError
	assert.ErrorAs(t, err, &retryable)
}

func TestShouldRetryRespectsBudget(t *testing.T) {
	retryErr := &RetryableError{Cause: fmt.Errorf("timeout")}
	assert.True(t, ShouldRetry(retryErr, 0, 3))
	assert.True(t, ShouldRetry(retryErr, 2, 3))
	assert.False(t, ShouldRetry(retryErr, 3, 3))
}

func TestShouldRetryNeverRetriesTerminal(t *testing.T) {
	termErr := &TerminalError{Kind: KindRemoved, Cause: fmt.Errorf("removed")}
	assert.False(t, ShouldRetry(termErr, 0, 3))
}

// TestRetryBudgetExhaustionEndsInFailedExactlyOnce models spec §8's
// property: a retryable failure repeated download_retries further times
// ends the request in FAILED(retry budget exhausted) exactly once.
func TestRetryBudgetExhaustionEndsInFailedExactlyOnce(t *testing.T) {
	const maxRetries = 3
	retryErr := &RetryableError{Cause: fmt.Errorf("connection reset")}

	retryCount := 0
	failedCount := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ShouldRetry(retryErr, retryCount, maxRetries) {
			retryCount++
			continue
		}
		failedCount++
	}

	assert.Equal(t, 1, failedCount)
	assert.Equal(t, maxRetries, retryCount)
}
