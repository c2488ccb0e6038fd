// Package storetest provides stores for tests: an in-memory SQLite store wired to a
// gochannel Pub/Sub, and a wrapper injecting failures into any store.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/realtime"
	"github.com/campuslink/engagement/store"
	"github.com/campuslink/engagement/store/sqlstore"
)

var ErrInjected = errors.New("injected failure")

// Env is a store with a change feed, as a deployed backend would have.
type Env struct {
	Store  *sqlstore.Store
	PubSub *gochannel.GoChannel
	Feed   *realtime.Feed
}

// NewEnv creates an in-memory store announcing changes on a gochannel Pub/Sub.
// Everything is closed when the test ends.
func NewEnv(t *testing.T) Env {
	t.Helper()

	logger := watermill.NopLogger{}

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)

	notifier, err := realtime.NewNotifier(pubSub, realtime.NotifierConfig{}, logger)
	require.NoError(t, err)

	s, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Notifier:         notifier,
		InitializeSchema: true,
	}, logger)
	require.NoError(t, err)

	feed := realtime.NewFeed(pubSub, logger)

	t.Cleanup(func() {
		assert.NoError(t, feed.Close())
		assert.NoError(t, pubSub.Close())
		assert.NoError(t, s.Close())
	})

	return Env{
		Store:  s,
		PubSub: pubSub,
		Feed:   feed,
	}
}

// Operation names accepted by FailingBackend.FailNext.
const (
	OpUpsertReaction = "UpsertReaction"
	OpDeleteReaction = "DeleteReaction"
	OpReactionCounts = "ReactionCounts"
	OpViewerReaction = "ViewerReaction"
	OpInsertComment  = "InsertComment"
	OpListComments   = "ListComments"
	OpDeleteComment  = "DeleteComment"
)

// FailingBackend wraps a store, counting calls and failing the ones it was told to.
type FailingBackend struct {
	store.Backend

	lock     sync.Mutex
	failures map[string]int
	calls    map[string]int

	// Block, when set, is waited on by every mutating call before it reaches the store.
	Block chan struct{}
}

func NewFailingBackend(backend store.Backend) *FailingBackend {
	return &FailingBackend{
		Backend:  backend,
		failures: map[string]int{},
		calls:    map[string]int{},
	}
}

// FailNext makes the next n calls of op return ErrInjected.
func (f *FailingBackend) FailNext(op string, n int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failures[op] = n
}

func (f *FailingBackend) Calls(op string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[op]
}

func (f *FailingBackend) call(ctx context.Context, op string, mutating bool) error {
	f.lock.Lock()
	f.calls[op]++
	fail := f.failures[op] > 0
	if fail {
		f.failures[op]--
	}
	block := f.Block
	f.lock.Unlock()

	if mutating && block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail {
		return errors.Wrap(ErrInjected, op)
	}
	return nil
}

func (f *FailingBackend) UpsertReaction(ctx context.Context, target engagement.Target, itemID, viewerID string, kind engagement.ReactionKind) error {
	if err := f.call(ctx, OpUpsertReaction, true); err != nil {
		return err
	}
	return f.Backend.UpsertReaction(ctx, target, itemID, viewerID, kind)
}

func (f *FailingBackend) DeleteReaction(ctx context.Context, target engagement.Target, itemID, viewerID string) error {
	if err := f.call(ctx, OpDeleteReaction, true); err != nil {
		return err
	}
	return f.Backend.DeleteReaction(ctx, target, itemID, viewerID)
}

func (f *FailingBackend) ReactionCounts(ctx context.Context, target engagement.Target, itemID string) ([]engagement.KindCount, error) {
	if err := f.call(ctx, OpReactionCounts, false); err != nil {
		return nil, err
	}
	return f.Backend.ReactionCounts(ctx, target, itemID)
}

func (f *FailingBackend) ViewerReaction(ctx context.Context, target engagement.Target, itemID, viewerID string) (engagement.ReactionKind, error) {
	if err := f.call(ctx, OpViewerReaction, false); err != nil {
		return engagement.NoReaction, err
	}
	return f.Backend.ViewerReaction(ctx, target, itemID, viewerID)
}

func (f *FailingBackend) InsertComment(ctx context.Context, c engagement.Comment) (engagement.Comment, error) {
	if err := f.call(ctx, OpInsertComment, true); err != nil {
		return engagement.Comment{}, err
	}
	return f.Backend.InsertComment(ctx, c)
}

func (f *FailingBackend) ListComments(ctx context.Context, target engagement.Target, itemID string) ([]engagement.Comment, error) {
	if err := f.call(ctx, OpListComments, false); err != nil {
		return nil, err
	}
	return f.Backend.ListComments(ctx, target, itemID)
}

func (f *FailingBackend) DeleteComment(ctx context.Context, commentID, authorID string) error {
	if err := f.call(ctx, OpDeleteComment, true); err != nil {
		return err
	}
	return f.Backend.DeleteComment(ctx, commentID, authorID)
}
