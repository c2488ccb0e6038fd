package reaction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/internal/metrics"
	"github.com/campuslink/engagement/realtime"
	"github.com/campuslink/engagement/store"
)

var (
	ErrMutationInFlight = errors.New("a reaction change is already in progress")
	ErrAnonymousViewer  = errors.New("anonymous viewers cannot react")
	ErrTrackerClosed    = errors.New("tracker closed")
	ErrAlreadyStarted   = errors.New("tracker already started")
)

// ReconcileMode says how a Tracker applies change notifications.
type ReconcileMode string

const (
	// ReconcileFull fetches the whole state again on every change.
	ReconcileFull ReconcileMode = "full"

	// ReconcileIncremental applies the change carried by the notification.
	// Changes made by the tracker's own session are skipped, they were applied optimistically.
	ReconcileIncremental ReconcileMode = "incremental"
)

type TrackerConfig struct {
	Target   engagement.Target
	ItemID   string
	ViewerID string

	// SessionID marks the writes of this tracker in change notifications.
	// Generated when empty.
	SessionID string

	Store store.Reactions

	// Feed delivers changes made by others. Without it the tracker only sees its own writes.
	Feed *realtime.Feed

	TopN         int
	AllowedKinds []engagement.ReactionKind
	Reconcile    ReconcileMode

	// OnChange receives every new state. It is called from one goroutine at a time
	// and must not call React, Clear or Close of the same tracker.
	OnChange func(Snapshot)

	// OnError receives mutation errors after the state was rolled back.
	// It is called under the same rules as OnChange.
	OnError func(error)

	// RemoteTimeout limits every store call. Zero means no limit.
	RemoteTimeout time.Duration

	Metrics *metrics.Sync
}

func (c *TrackerConfig) setDefaults() {
	if c.SessionID == "" {
		c.SessionID = engagement.NewSessionID()
	}
	if c.TopN == 0 {
		c.TopN = engagement.DefaultTopN
	}
	if len(c.AllowedKinds) == 0 {
		c.AllowedKinds = engagement.DefaultReactionKinds
	}
	if c.Reconcile == "" {
		c.Reconcile = ReconcileFull
	}
}

func (c TrackerConfig) validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.ItemID == "" {
		return store.ErrInvalidItem
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Reconcile != ReconcileFull && c.Reconcile != ReconcileIncremental {
		return errors.Errorf("unknown reconcile mode %q", c.Reconcile)
	}
	return nil
}

// Tracker is the local reaction state of one item for one viewer.
//
// React and Clear change the state optimistically, write to the store,
// roll back on failure and then fetch the authoritative state.
// Changes made by others arrive through the Feed.
type Tracker struct {
	config  TrackerConfig
	fetcher *Fetcher
	logger  watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	inFlight atomic.Bool

	lock      sync.Mutex
	breakdown engagement.Breakdown
	choice    engagement.ReactionKind
	pending   bool
	started   bool
	closed    bool

	// version changes on every local write; a fetch started before it is stale.
	version uint64
	// tickets order fetches; an older fetch never replaces a newer one.
	issuedTicket  uint64
	appliedTicket uint64

	subscription *realtime.Subscription

	emitLock sync.Mutex
}

func NewTracker(config TrackerConfig, logger watermill.LoggerAdapter) (*Tracker, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tracker config")
	}

	if logger == nil {
		logger = watermill.NopLogger{}
	}
	logger = logger.With(watermill.LogFields{
		"target":     config.Target.String(),
		"item_id":    config.ItemID,
		"session_id": config.SessionID,
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Tracker{
		config: config,
		fetcher: NewFetcher(config.Store, FetcherConfig{
			TopN:          config.TopN,
			RemoteTimeout: config.RemoteTimeout,
			Metrics:       config.Metrics,
		}, logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		breakdown: engagement.Breakdown{},
	}, nil
}

// Start subscribes to changes of the item and loads its state.
func (t *Tracker) Start(ctx context.Context) error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return ErrTrackerClosed
	}
	if t.started {
		t.lock.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.lock.Unlock()

	if t.config.Feed != nil {
		subscription, err := t.config.Feed.Subscribe(t.ctx, realtime.Filter{
			Table:  t.config.Target.ReactionTable(),
			ItemID: t.config.ItemID,
		}, t.handleChange)
		if err != nil {
			return errors.Wrap(err, "cannot subscribe to reaction changes")
		}

		t.lock.Lock()
		t.subscription = subscription
		t.lock.Unlock()
	}

	t.refresh(ctx)
	return nil
}

// Close stops the subscription. No callback is called after Close returns.
func (t *Tracker) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	subscription := t.subscription
	t.lock.Unlock()

	t.cancel()

	if subscription != nil {
		if err := subscription.Close(); err != nil {
			return errors.Wrap(err, "cannot close subscription")
		}
	}

	// wait for a callback in progress
	t.emitLock.Lock()
	t.emitLock.Unlock()

	t.logger.Debug("Tracker closed", nil)
	return nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := newSnapshot(t.config.ItemID, t.breakdown, t.choice, t.config.TopN)
	s.Pending = t.pending
	return s
}

// React selects kind for the viewer. Selecting the kind already chosen clears it.
func (t *Tracker) React(ctx context.Context, kind engagement.ReactionKind) error {
	if t.config.ViewerID == "" {
		return ErrAnonymousViewer
	}
	if err := engagement.ValidateKind(kind, t.config.AllowedKinds); err != nil {
		return err
	}
	return t.mutate(ctx, kind)
}

// Clear removes the viewer's reaction.
func (t *Tracker) Clear(ctx context.Context) error {
	if t.config.ViewerID == "" {
		return ErrAnonymousViewer
	}
	return t.mutate(ctx, engagement.NoReaction)
}

func (t *Tracker) mutate(ctx context.Context, requested engagement.ReactionKind) error {
	target := t.config.Target.String()

	if !t.inFlight.CompareAndSwap(false, true) {
		t.config.Metrics.MutationFinished(target, "reaction", metrics.OutcomeRejected)
		return ErrMutationInFlight
	}
	defer t.inFlight.Store(false)

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return ErrTrackerClosed
	}

	prevBreakdown, prevChoice := t.breakdown, t.choice

	next := requested
	if next == prevChoice {
		next = engagement.NoReaction
	}

	t.breakdown = prevBreakdown.Move(prevChoice, next)
	t.choice = next
	t.pending = true
	t.version++
	t.lock.Unlock()

	t.emit()

	logFields := watermill.LogFields{
		"viewer_id": t.config.ViewerID,
		"old_kind":  string(prevChoice),
		"new_kind":  string(next),
	}
	t.logger.Debug("Saving reaction", logFields)

	remoteCtx := engagement.WithOrigin(ctx, t.config.SessionID)
	err := store.Exec(remoteCtx, t.config.RemoteTimeout, func(ctx context.Context) error {
		if next.IsAbsent() {
			return t.config.Store.DeleteReaction(ctx, t.config.Target, t.config.ItemID, t.config.ViewerID)
		}
		return t.config.Store.UpsertReaction(ctx, t.config.Target, t.config.ItemID, t.config.ViewerID, next)
	})

	t.lock.Lock()
	t.pending = false
	if err != nil && !t.closed {
		t.breakdown = prevBreakdown
		t.choice = prevChoice
		t.version++
	}
	t.lock.Unlock()

	if err != nil {
		err = errors.Wrap(err, "cannot save reaction")
		t.logger.Error("Reaction not saved, rolled back", err, logFields)
		t.config.Metrics.MutationFinished(target, "reaction", metrics.OutcomeFailure)
		t.config.Metrics.RolledBack(target, "reaction")
		t.emit()
		t.reportError(err)
	} else {
		t.config.Metrics.MutationFinished(target, "reaction", metrics.OutcomeSuccess)
	}

	t.refresh(t.ctx)

	return err
}

// refresh fetches the state and applies it unless a newer fetch or a local write won.
//
// In incremental mode changes are applied on top of the last fetched state,
// so a fetch overtaken by a change is repeated until one is applied or a newer fetch wins.
func (t *Tracker) refresh(ctx context.Context) {
	for {
		t.lock.Lock()
		if t.closed {
			t.lock.Unlock()
			return
		}
		t.issuedTicket++
		ticket := t.issuedTicket
		version := t.version
		t.lock.Unlock()

		snapshot := t.fetcher.Fetch(ctx, t.config.Target, t.config.ItemID, t.config.ViewerID)

		t.lock.Lock()
		if t.closed || ticket <= t.appliedTicket {
			t.lock.Unlock()
			t.logger.Trace("Dropping stale fetch", watermill.LogFields{"ticket": ticket})
			return
		}
		if version != t.version {
			t.lock.Unlock()
			t.logger.Trace("Dropping stale fetch", watermill.LogFields{"ticket": ticket})
			if t.config.Reconcile == ReconcileIncremental && ctx.Err() == nil {
				continue
			}
			return
		}
		t.appliedTicket = ticket
		t.breakdown = snapshot.Breakdown
		t.choice = snapshot.Choice
		t.lock.Unlock()

		t.emit()
		return
	}
}

func (t *Tracker) handleChange(ctx context.Context, ev engagement.ChangeEvent) {
	t.config.Metrics.Reconciled(t.config.Target.String(), string(t.config.Reconcile))

	if t.config.Reconcile == ReconcileFull {
		t.refresh(ctx)
		return
	}

	if ev.Origin != "" && ev.Origin == t.config.SessionID {
		t.logger.Trace("Skipping own change", watermill.LogFields{"event_id": ev.ID})
		return
	}
	t.applyChange(ctx, ev)
}

func (t *Tracker) applyChange(ctx context.Context, ev engagement.ChangeEvent) {
	from, to := ev.OldKind, ev.NewKind
	switch ev.Type {
	case engagement.ChangeInsert:
		from = engagement.NoReaction
	case engagement.ChangeDelete:
		to = engagement.NoReaction
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}
	if t.appliedTicket == 0 {
		// nothing fetched yet to apply the change to
		t.lock.Unlock()
		t.refresh(ctx)
		return
	}
	t.breakdown = t.breakdown.Move(from, to)
	if ev.ViewerID == t.config.ViewerID {
		t.choice = to
	}
	t.version++
	t.lock.Unlock()

	t.emit()
}

// emit passes the current state to OnChange.
func (t *Tracker) emit() {
	if t.config.OnChange == nil {
		return
	}

	t.emitLock.Lock()
	defer t.emitLock.Unlock()

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}
	s := t.snapshotLocked()
	t.lock.Unlock()

	t.config.OnChange(s)
}

func (t *Tracker) reportError(err error) {
	if t.config.OnError == nil {
		return
	}

	t.emitLock.Lock()
	defer t.emitLock.Unlock()

	t.lock.Lock()
	closed := t.closed
	t.lock.Unlock()

	if !closed {
		t.config.OnError(err)
	}
}
