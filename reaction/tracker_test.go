package reaction_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/internal/storetest"
	"github.com/campuslink/engagement/reaction"
	"github.com/campuslink/engagement/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type recordedSnapshots struct {
	lock      sync.Mutex
	snapshots []reaction.Snapshot
}

func (r *recordedSnapshots) record(s reaction.Snapshot) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recordedSnapshots) all() []reaction.Snapshot {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]reaction.Snapshot{}, r.snapshots...)
}

func newTracker(t *testing.T, config reaction.TrackerConfig) *reaction.Tracker {
	t.Helper()

	if config.Target == "" {
		config.Target = engagement.TargetPost
	}

	tracker, err := reaction.NewTracker(config, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Start(context.Background()))

	t.Cleanup(func() {
		assert.NoError(t, tracker.Close())
	})

	return tracker
}

func TestTracker_React_toggles(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	seedReactions(t, env.Store, engagement.TargetPost, "p1", map[string]engagement.ReactionKind{
		"u2": "like",
		"u3": "like",
	})

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "u1",
		Store:    env.Store,
		Feed:     env.Feed,
	})

	s := tracker.Snapshot()
	require.Equal(t, 2, s.Aggregate.Total)
	require.True(t, s.Choice.IsAbsent())

	require.NoError(t, tracker.React(ctx, "like"))

	s = tracker.Snapshot()
	assert.Equal(t, 3, s.Aggregate.Total)
	assert.Equal(t, engagement.ReactionKind("like"), s.Choice)
	assert.False(t, s.Pending)

	// the same kind again is a clear
	require.NoError(t, tracker.React(ctx, "like"))

	s = tracker.Snapshot()
	assert.Equal(t, 2, s.Aggregate.Total)
	assert.True(t, s.Choice.IsAbsent())

	kind, err := env.Store.ViewerReaction(ctx, engagement.TargetPost, "p1", "u1")
	require.NoError(t, err)
	assert.True(t, kind.IsAbsent(), "the row should be deleted")
}

func TestTracker_React_switches_kind(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "u1",
		Store:    env.Store,
	})

	require.NoError(t, tracker.React(ctx, "like"))
	require.NoError(t, tracker.React(ctx, "love"))

	s := tracker.Snapshot()
	assert.Equal(t, 1, s.Aggregate.Total, "switching kinds keeps the count")
	assert.Equal(t, 0, s.Breakdown.Count("like"))
	assert.Equal(t, 1, s.Breakdown.Count("love"))
	assert.Equal(t, engagement.ReactionKind("love"), s.Choice)

	require.NoError(t, tracker.Clear(ctx))
	s = tracker.Snapshot()
	assert.Equal(t, 0, s.Aggregate.Total)
	assert.True(t, s.Choice.IsAbsent())
}

func TestTracker_React_applies_optimistic_state_first(t *testing.T) {
	env := storetest.NewEnv(t)
	backend := storetest.NewFailingBackend(env.Store)
	backend.Block = make(chan struct{})

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "u1",
		Store:    backend,
	})

	done := make(chan error, 1)
	go func() {
		done <- tracker.React(context.Background(), "wow")
	}()

	require.Eventually(t, func() bool { return tracker.Snapshot().Pending }, waitFor, tick)

	s := tracker.Snapshot()
	assert.Equal(t, 1, s.Aggregate.Total)
	assert.Equal(t, engagement.ReactionKind("wow"), s.Choice)

	close(backend.Block)
	require.NoError(t, <-done)
	assert.False(t, tracker.Snapshot().Pending)
}

func TestTracker_React_rolls_back_on_failure(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	seedReactions(t, env.Store, engagement.TargetFeed, "f1", map[string]engagement.ReactionKind{
		"u2": "sad",
		"u3": "like",
	})

	backend := storetest.NewFailingBackend(env.Store)
	backend.FailNext(storetest.OpUpsertReaction, 1)

	snapshots := &recordedSnapshots{}
	var reported []error
	var reportedLock sync.Mutex

	tracker := newTracker(t, reaction.TrackerConfig{
		Target:   engagement.TargetFeed,
		ItemID:   "f1",
		ViewerID: "u1",
		Store:    backend,
		OnChange: snapshots.record,
		OnError: func(err error) {
			reportedLock.Lock()
			defer reportedLock.Unlock()
			reported = append(reported, err)
		},
	})

	err := tracker.React(ctx, "like")
	require.ErrorIs(t, err, storetest.ErrInjected)

	s := tracker.Snapshot()
	assert.Equal(t, 2, s.Aggregate.Total)
	assert.Equal(t, 1, s.Breakdown.Count("like"))
	assert.True(t, s.Choice.IsAbsent())
	assert.False(t, s.Pending)

	optimistic := false
	for _, recorded := range snapshots.all() {
		if recorded.Pending && recorded.Aggregate.Total == 3 && recorded.Choice == "like" {
			optimistic = true
		}
	}
	assert.True(t, optimistic, "optimistic state should be shown before the rollback")

	reportedLock.Lock()
	assert.Len(t, reported, 1)
	reportedLock.Unlock()

	// the state is fetched again after the failure
	assert.Equal(t, 2, backend.Calls(storetest.OpReactionCounts))
}

func TestTracker_React_rejects_concurrent_mutation(t *testing.T) {
	env := storetest.NewEnv(t)
	backend := storetest.NewFailingBackend(env.Store)
	backend.Block = make(chan struct{})

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "u1",
		Store:    backend,
	})

	done := make(chan error, 1)
	go func() {
		done <- tracker.React(context.Background(), "like")
	}()

	require.Eventually(t, func() bool { return tracker.Snapshot().Pending }, waitFor, tick)

	assert.ErrorIs(t, tracker.React(context.Background(), "love"), reaction.ErrMutationInFlight)
	assert.ErrorIs(t, tracker.Clear(context.Background()), reaction.ErrMutationInFlight)

	close(backend.Block)
	require.NoError(t, <-done)

	assert.Equal(t, 1, backend.Calls(storetest.OpUpsertReaction))
	assert.Equal(t, 0, backend.Calls(storetest.OpDeleteReaction))
	assert.Equal(t, engagement.ReactionKind("like"), tracker.Snapshot().Choice)
}

func TestTracker_React_validation(t *testing.T) {
	env := storetest.NewEnv(t)
	backend := storetest.NewFailingBackend(env.Store)
	ctx := context.Background()

	anonymous := newTracker(t, reaction.TrackerConfig{
		ItemID: "p1",
		Store:  backend,
	})
	assert.ErrorIs(t, anonymous.React(ctx, "like"), reaction.ErrAnonymousViewer)
	assert.ErrorIs(t, anonymous.Clear(ctx), reaction.ErrAnonymousViewer)

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:       "p1",
		ViewerID:     "u1",
		Store:        backend,
		AllowedKinds: []engagement.ReactionKind{"like"},
	})
	assert.ErrorIs(t, tracker.React(ctx, "love"), engagement.ErrUnknownKind)
	assert.ErrorIs(t, tracker.React(ctx, ""), engagement.ErrUnknownKind)

	assert.Equal(t, 0, backend.Calls(storetest.OpUpsertReaction))
	assert.Equal(t, 0, backend.Calls(storetest.OpDeleteReaction))
}

func TestNewTracker_invalid_config(t *testing.T) {
	env := storetest.NewEnv(t)

	testCases := []struct {
		Name   string
		Config reaction.TrackerConfig
	}{
		{Name: "unknown_target", Config: reaction.TrackerConfig{Target: "story", ItemID: "p1", Store: env.Store}},
		{Name: "no_item", Config: reaction.TrackerConfig{Target: engagement.TargetPost, Store: env.Store}},
		{Name: "no_store", Config: reaction.TrackerConfig{Target: engagement.TargetPost, ItemID: "p1"}},
		{Name: "unknown_mode", Config: reaction.TrackerConfig{Target: engagement.TargetPost, ItemID: "p1", Store: env.Store, Reconcile: "lazy"}},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := reaction.NewTracker(tc.Config, nil)
			assert.Error(t, err)
		})
	}
}

func TestTracker_reconciles_changes_of_other_sessions(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	alice := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "alice",
		Store:    env.Store,
		Feed:     env.Feed,
	})
	bob := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "bob",
		Store:    env.Store,
		Feed:     env.Feed,
	})

	require.NoError(t, alice.React(ctx, "haha"))

	require.Eventually(t, func() bool {
		return bob.Snapshot().Aggregate.Total == 1
	}, waitFor, tick)

	s := bob.Snapshot()
	assert.Equal(t, engagement.ReactionKind("haha"), s.Aggregate.Top[0].Kind)
	assert.True(t, s.Choice.IsAbsent())

	require.NoError(t, alice.Clear(ctx))
	require.Eventually(t, func() bool {
		return bob.Snapshot().Aggregate.Total == 0
	}, waitFor, tick)
}

func TestTracker_incremental_reconcile(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	alice := newTracker(t, reaction.TrackerConfig{
		ItemID:    "p1",
		ViewerID:  "alice",
		Store:     env.Store,
		Feed:      env.Feed,
		Reconcile: reaction.ReconcileIncremental,
	})
	bob := newTracker(t, reaction.TrackerConfig{
		ItemID:    "p1",
		ViewerID:  "bob",
		Store:     env.Store,
		Feed:      env.Feed,
		Reconcile: reaction.ReconcileIncremental,
	})

	require.NoError(t, alice.React(ctx, "love"))
	require.Eventually(t, func() bool {
		return bob.Snapshot().Breakdown.Count("love") == 1
	}, waitFor, tick)

	require.NoError(t, alice.React(ctx, "wow"))
	require.Eventually(t, func() bool {
		s := bob.Snapshot()
		return s.Breakdown.Count("love") == 0 && s.Breakdown.Count("wow") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, bob.Snapshot().Aggregate.Total)

	// bob's own change is not counted twice
	require.NoError(t, bob.React(ctx, "wow"))
	assert.Never(t, func() bool {
		return bob.Snapshot().Aggregate.Total != 2
	}, 300*time.Millisecond, tick)
	assert.Equal(t, engagement.ReactionKind("wow"), bob.Snapshot().Choice)

	require.Eventually(t, func() bool {
		return alice.Snapshot().Breakdown.Count("wow") == 2
	}, waitFor, tick)
}

func TestTracker_keeps_one_reaction_per_viewer(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	// the same viewer on two devices
	phone := newTracker(t, reaction.TrackerConfig{ItemID: "p1", ViewerID: "u1", Store: env.Store, Feed: env.Feed})
	laptop := newTracker(t, reaction.TrackerConfig{ItemID: "p1", ViewerID: "u1", Store: env.Store, Feed: env.Feed})

	kinds := []engagement.ReactionKind{"like", "love", "haha", "wow"}

	wg := sync.WaitGroup{}
	for _, tracker := range []*reaction.Tracker{phone, laptop} {
		wg.Add(1)
		go func(tracker *reaction.Tracker) {
			defer wg.Done()
			for _, kind := range kinds {
				_ = tracker.React(ctx, kind)
			}
		}(tracker)
	}
	wg.Wait()

	counts, err := env.Store.ReactionCounts(ctx, engagement.TargetPost, "p1")
	require.NoError(t, err)
	assert.LessOrEqual(t, engagement.NewBreakdown(counts).Total(), 1)

	require.Eventually(t, func() bool {
		return phone.Snapshot().Aggregate.Total <= 1 && laptop.Snapshot().Aggregate.Total <= 1
	}, waitFor, tick)
}

// delayedCounts returns a result read before it was held back.
type delayedCounts struct {
	store.Reactions

	armed   atomic.Bool
	holding chan struct{}
	release chan struct{}
}

func (d *delayedCounts) ReactionCounts(ctx context.Context, target engagement.Target, itemID string) ([]engagement.KindCount, error) {
	counts, err := d.Reactions.ReactionCounts(ctx, target, itemID)
	if d.armed.CompareAndSwap(true, false) {
		close(d.holding)
		<-d.release
	}
	return counts, err
}

func TestTracker_drops_stale_fetch(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	delayed := &delayedCounts{
		Reactions: env.Store,
		holding:   make(chan struct{}),
		release:   make(chan struct{}),
	}

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:   "p1",
		ViewerID: "u1",
		Store:    delayed,
		Feed:     env.Feed,
	})

	delayed.armed.Store(true)
	require.NoError(t, env.Store.UpsertReaction(ctx, engagement.TargetPost, "p1", "u2", "sad"))

	// the fetch triggered by the change read one reaction and is held back
	<-delayed.holding

	require.NoError(t, tracker.React(ctx, "like"))
	require.Equal(t, 2, tracker.Snapshot().Aggregate.Total)

	close(delayed.release)

	assert.Never(t, func() bool {
		return tracker.Snapshot().Aggregate.Total != 2
	}, 300*time.Millisecond, tick)
}

func TestTracker_incremental_reconcile_waits_for_first_fetch(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	seedReactions(t, env.Store, engagement.TargetPost, "p1", map[string]engagement.ReactionKind{
		"u2": "like",
		"u3": "like",
		"u4": "like",
	})

	delayed := &delayedCounts{
		Reactions: env.Store,
		holding:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	delayed.armed.Store(true)

	tracker, err := reaction.NewTracker(reaction.TrackerConfig{
		Target:    engagement.TargetPost,
		ItemID:    "p1",
		ViewerID:  "u1",
		Store:     delayed,
		Feed:      env.Feed,
		Reconcile: reaction.ReconcileIncremental,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, tracker.Close())
	})

	started := make(chan error, 1)
	go func() {
		started <- tracker.Start(ctx)
	}()

	// the first fetch read three reactions and is held back
	<-delayed.holding

	require.NoError(t, env.Store.UpsertReaction(ctx, engagement.TargetPost, "p1", "u5", "love"))
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Aggregate.Total == 4
	}, waitFor, tick)

	close(delayed.release)
	require.NoError(t, <-started)

	assert.Never(t, func() bool {
		return tracker.Snapshot().Aggregate.Total != 4
	}, 300*time.Millisecond, tick)

	s := tracker.Snapshot()
	assert.Equal(t, 3, s.Breakdown.Count("like"))
	assert.Equal(t, 1, s.Breakdown.Count("love"))
}

func TestTracker_incremental_reconcile_after_rollback(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	failing := storetest.NewFailingBackend(env.Store)
	failing.FailNext(storetest.OpUpsertReaction, 1)
	failing.Block = make(chan struct{})

	delayed := &delayedCounts{
		Reactions: failing,
		holding:   make(chan struct{}),
		release:   make(chan struct{}),
	}

	tracker := newTracker(t, reaction.TrackerConfig{
		ItemID:    "p1",
		ViewerID:  "u1",
		Store:     delayed,
		Feed:      env.Feed,
		Reconcile: reaction.ReconcileIncremental,
	})

	reacted := make(chan error, 1)
	go func() {
		reacted <- tracker.React(ctx, "like")
	}()
	require.Eventually(t, func() bool {
		return failing.Calls(storetest.OpUpsertReaction) == 1
	}, waitFor, tick)

	// applied on top of the optimistic state, which is rolled back below
	require.NoError(t, env.Store.UpsertReaction(ctx, engagement.TargetPost, "p1", "u2", "love"))
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Breakdown.Count("love") == 1
	}, waitFor, tick)

	delayed.armed.Store(true)
	close(failing.Block)

	// the fetch after the rollback is held back while another change arrives
	<-delayed.holding
	require.NoError(t, env.Store.UpsertReaction(ctx, engagement.TargetPost, "p1", "u3", "wow"))
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Breakdown.Count("wow") == 1
	}, waitFor, tick)

	close(delayed.release)
	assert.ErrorIs(t, <-reacted, storetest.ErrInjected)

	require.Eventually(t, func() bool {
		s := tracker.Snapshot()
		return s.Aggregate.Total == 2 && s.Breakdown.Count("love") == 1 && s.Breakdown.Count("wow") == 1
	}, waitFor, tick)
	assert.True(t, tracker.Snapshot().Choice.IsAbsent())
}

func TestTracker_Close_waits_for_error_callback(t *testing.T) {
	env := storetest.NewEnv(t)
	ctx := context.Background()

	failing := storetest.NewFailingBackend(env.Store)
	failing.FailNext(storetest.OpUpsertReaction, 1)

	inCallback := make(chan struct{})
	releaseCallback := make(chan struct{})

	tracker, err := reaction.NewTracker(reaction.TrackerConfig{
		Target:   engagement.TargetPost,
		ItemID:   "p1",
		ViewerID: "u1",
		Store:    failing,
		OnError: func(error) {
			close(inCallback)
			<-releaseCallback
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Start(ctx))

	reacted := make(chan error, 1)
	go func() {
		reacted <- tracker.React(ctx, "like")
	}()
	<-inCallback

	closed := make(chan error, 1)
	go func() {
		closed <- tracker.Close()
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while the error callback was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(releaseCallback)
	require.NoError(t, <-closed)
	assert.ErrorIs(t, <-reacted, storetest.ErrInjected)
}

func TestTracker_Close(t *testing.T) {
	env := storetest.NewEnv(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx := context.Background()

	var changes atomic.Int64
	tracker, err := reaction.NewTracker(reaction.TrackerConfig{
		Target:   engagement.TargetComment,
		ItemID:   "c1",
		ViewerID: "u1",
		Store:    env.Store,
		Feed:     env.Feed,
		OnChange: func(reaction.Snapshot) { changes.Add(1) },
	}, nil)
	require.NoError(t, err)
	require.NoError(t, tracker.Start(ctx))
	assert.ErrorIs(t, tracker.Start(ctx), reaction.ErrAlreadyStarted)

	require.NoError(t, env.Store.UpsertReaction(ctx, engagement.TargetComment, "c1", "u2", "like"))
	require.Eventually(t, func() bool {
		return tracker.Snapshot().Aggregate.Total == 1
	}, waitFor, tick)

	require.NoError(t, tracker.Close())
	require.NoError(t, tracker.Close())

	seen := changes.Load()
	require.NoError(t, env.Store.UpsertReaction(ctx, engagement.TargetComment, "c1", "u3", "like"))

	assert.Never(t, func() bool {
		return changes.Load() != seen
	}, 200*time.Millisecond, tick)
	assert.Equal(t, 1, tracker.Snapshot().Aggregate.Total)

	assert.ErrorIs(t, tracker.React(ctx, "like"), reaction.ErrTrackerClosed)
	assert.ErrorIs(t, tracker.Start(ctx), reaction.ErrTrackerClosed)
}
