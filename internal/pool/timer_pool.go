// Package pool keeps reusable timers for the per-call timeouts of outstanding requests.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a stopped-and-reset timer firing after d.
//
// Return the timer with PutTimer once the wait is over.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		if t, ok := v.(*time.Timer); ok {
			t.Reset(d)
			return t
		}
	}

	return time.NewTimer(d)
}

// PutTimer stops t and returns it to the pool.
//
// t must not be used after it was returned.
func PutTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		// drain a fired but unread value
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
