package maildrop

import (
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainSignals consumes any pending signals for the given settle window.
func drainSignals(ch <-chan struct{}, settle time.Duration) {
	deadline := time.Now().Add(settle)
	for time.Now().Before(deadline) {
		select {
		case <-ch:
		case <-time.After(10 * time.Millisecond):
		}
	}
}
