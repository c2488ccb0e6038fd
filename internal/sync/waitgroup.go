package sync

import (
	"context"
	"sync"
)

// Wait waits for wg until ctx is done. It returns ctx.Err() when wg did not finish in time.
func Wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
