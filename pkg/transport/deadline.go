package transport

import (
	"sync"
	"time"

	"libera/pkg/errs"
)

// WithDeadline races an asynchronous operation against a single-shot timer.
//
// start must launch the operation and arrange for done to be called exactly
// once with its outcome. If the timer fires first, cancel is invoked and the
// call returns errs.ErrTimedOut; a late done from the cancelled operation is
// a no-op. cancel must be safe to call while the operation is in flight and
// idempotent. A non-positive timeout is clamped to zero, so a still-in-flight
// operation times out immediately.
func WithDeadline(timeout time.Duration, start func(done func(error)), cancel func()) error {
	if timeout < 0 {
		timeout = 0
	}

	// Buffered so the losing branch can complete without a receiver.
	outcome := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() { outcome <- err })
	}

	start(done)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-outcome:
		return err
	case <-timer.C:
		cancel()
		return errs.ErrTimedOut
	}
}
