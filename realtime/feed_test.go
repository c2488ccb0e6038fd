package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/realtime"
)

type receivedEvents struct {
	lock   sync.Mutex
	events []engagement.ChangeEvent
}

func (r *receivedEvents) handle(_ context.Context, ev engagement.ChangeEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
}

func (r *receivedEvents) all() []engagement.ChangeEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]engagement.ChangeEvent{}, r.events...)
}

func newGoChannel(t *testing.T) *gochannel.GoChannel {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 16},
		watermill.NewStdLogger(false, false),
	)
	t.Cleanup(func() {
		assert.NoError(t, pubSub.Close())
	})
	return pubSub
}

func TestFeed_filters_by_item(t *testing.T) {
	pubSub := newGoChannel(t)
	feed := realtime.NewFeed(pubSub, nil)
	defer feed.Close()

	notifier, err := realtime.NewNotifier(pubSub, realtime.NotifierConfig{}, nil)
	require.NoError(t, err)

	table := engagement.TargetPost.ReactionTable()
	itemID := "post-" + watermill.NewShortUUID()

	received := &receivedEvents{}
	sub, err := feed.Subscribe(context.Background(), realtime.Filter{Table: table, ItemID: itemID}, received.handle)
	require.NoError(t, err)
	defer sub.Close()

	ctx := engagement.WithOrigin(context.Background(), "session-a")

	require.NoError(t, notifier.Notify(ctx, engagement.ChangeEvent{
		Table:    table,
		Type:     engagement.ChangeInsert,
		ItemID:   "another-item",
		ViewerID: "viewer-1",
		NewKind:  "like",
	}))
	require.NoError(t, notifier.Notify(ctx, engagement.ChangeEvent{
		Table:    table,
		Type:     engagement.ChangeInsert,
		ItemID:   itemID,
		ViewerID: "viewer-1",
		NewKind:  "like",
	}))

	require.Eventually(t, func() bool {
		return len(received.all()) == 1
	}, time.Second, 10*time.Millisecond)

	ev := received.all()[0]
	assert.Equal(t, itemID, ev.ItemID)
	assert.Equal(t, engagement.ChangeInsert, ev.Type)
	assert.Equal(t, engagement.ReactionKind("like"), ev.NewKind)
	assert.Equal(t, "session-a", ev.Origin)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.OccurredAt.IsZero())

	// the other item's change must not arrive later either
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, received.all(), 1)
}

func TestFeed_every_subscription_receives_change(t *testing.T) {
	pubSub := newGoChannel(t)
	feed := realtime.NewFeed(pubSub, nil)
	defer feed.Close()

	notifier, err := realtime.NewNotifier(pubSub, realtime.NotifierConfig{}, nil)
	require.NoError(t, err)

	filter := realtime.Filter{Table: engagement.CommentsTable, ItemID: "item-1"}

	first := &receivedEvents{}
	second := &receivedEvents{}
	_, err = feed.Subscribe(context.Background(), filter, first.handle)
	require.NoError(t, err)
	_, err = feed.Subscribe(context.Background(), filter, second.handle)
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(context.Background(), engagement.ChangeEvent{
		Table:     engagement.CommentsTable,
		Type:      engagement.ChangeInsert,
		ItemID:    "item-1",
		CommentID: "c-1",
	}))

	require.Eventually(t, func() bool {
		return len(first.all()) == 1 && len(second.all()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubscription_Close_stops_delivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, nil)
	feed := realtime.NewFeed(pubSub, nil)

	notifier, err := realtime.NewNotifier(pubSub, realtime.NotifierConfig{}, nil)
	require.NoError(t, err)

	received := &receivedEvents{}
	sub, err := feed.Subscribe(
		context.Background(),
		realtime.Filter{Table: engagement.CommentsTable},
		received.handle,
	)
	require.NoError(t, err)

	require.NoError(t, sub.Close())

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should be done after Close")
	}

	require.NoError(t, notifier.Notify(context.Background(), engagement.ChangeEvent{
		Table:  engagement.CommentsTable,
		Type:   engagement.ChangeDelete,
		ItemID: "item-1",
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, received.all())

	require.NoError(t, feed.Close())
	require.NoError(t, pubSub.Close())
}

func TestFeed_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, nil)
	feed := realtime.NewFeed(pubSub, nil)

	sub, err := feed.Subscribe(
		context.Background(),
		realtime.Filter{Table: engagement.CommentsTable},
		func(context.Context, engagement.ChangeEvent) {},
	)
	require.NoError(t, err)

	require.NoError(t, feed.Close())
	<-sub.Done()

	_, err = feed.Subscribe(
		context.Background(),
		realtime.Filter{Table: engagement.CommentsTable},
		func(context.Context, engagement.ChangeEvent) {},
	)
	assert.ErrorIs(t, err, realtime.ErrFeedClosed)

	// closing twice is fine
	assert.NoError(t, feed.Close())
	require.NoError(t, pubSub.Close())
}

func TestFeed_Subscribe_requires_table(t *testing.T) {
	feed := realtime.NewFeed(newGoChannel(t), nil)
	defer feed.Close()

	_, err := feed.Subscribe(context.Background(), realtime.Filter{}, func(context.Context, engagement.ChangeEvent) {})
	assert.Error(t, err)
}
