package testutil

import "time"

// TestingT is a minimal interface for testing
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

// WaitFor polls condition until it holds or timeout elapses
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
}
