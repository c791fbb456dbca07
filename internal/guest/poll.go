package guest

import (
	"context"
	"time"
)

// Poll calls fn until it returns true, timeout elapses or ctx is done.
// fn is always called at least once. It reports whether fn succeeded.
func Poll(ctx context.Context, clk Clock, timeout, interval time.Duration, fn func() bool) bool {
	start := clk.Now()
	for {
		if fn() {
			return true
		}
		if clk.Now().Sub(start) >= timeout {
			return false
		}
		if err := clk.Sleep(ctx, interval); err != nil {
			return false
		}
	}
}
