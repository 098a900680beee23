package transfer

import "time"

// syncDispatcher runs dispatched functions inline, which serializes them on
// the caller in tests.
type syncDispatcher struct{}

func (syncDispatcher) Async(fn func()) { fn() }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
