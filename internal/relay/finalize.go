package relay

import (
	"context"
	"time"
)

// runDetached runs op on a context that ignores parent's cancellation and
// expires after timeout. It waits for op at most that long and reports
// whether op finished in time; a late op keeps running in the background.
func runDetached(parent context.Context, timeout time.Duration, op func(ctx context.Context)) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		op(ctx)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
