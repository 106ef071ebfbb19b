package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pipedock/pipedock/pkg/schema"
)

// DefaultBaseDelay is the starting backoff when the orchestrator is not
// configured with one.
const DefaultBaseDelay = time.Second

// maxBackoff caps the exponential curve so long retry chains do not stall
// a run for minutes between attempts.
const maxBackoff = 30 * time.Second

// IsRetryableError classifies whether an error is worth another attempt.
// Timeouts and network failures are; cancellation and validation are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is being torn down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return perr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

// Backoff computes the delay before retry number attempt (0-based):
// base, 2*base, 4*base, ... capped at maxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early with the
// context's error if the run is cancelled while waiting.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
