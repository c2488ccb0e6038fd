package sync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	internalSync "github.com/campuslink/engagement/internal/sync"
)

func TestWait(t *testing.T) {
	wg := &sync.WaitGroup{}
	wg.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, internalSync.Wait(ctx, wg), context.DeadlineExceeded)

	wg.Done()
	assert.NoError(t, internalSync.Wait(context.Background(), wg))
}
