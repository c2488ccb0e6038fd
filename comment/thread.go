package comment

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/internal/metrics"
	"github.com/campuslink/engagement/reaction"
	"github.com/campuslink/engagement/realtime"
	"github.com/campuslink/engagement/store"
)

const DefaultMaxBodyLength = 2000

var (
	ErrEmptyBody        = errors.New("comment body is empty")
	ErrBodyTooLong      = errors.New("comment body is too long")
	ErrMutationInFlight = errors.New("a comment change is already in progress")
	ErrAnonymousViewer  = errors.New("anonymous viewers cannot comment")
	ErrThreadClosed     = errors.New("thread closed")
	ErrAlreadyStarted   = errors.New("thread already started")
)

type ThreadConfig struct {
	Target engagement.Target
	ItemID string

	// Viewer is the author of new comments. Its display fields are used as they are.
	Viewer engagement.Viewer

	// SessionID marks the writes of this thread in change notifications.
	SessionID string

	Store store.Comments

	// Reactions loads the reaction aggregate of every comment. Without it records carry none.
	Reactions *reaction.Fetcher

	// Feed delivers comments written by others.
	Feed *realtime.Feed

	// OnChange receives every new list. It must not call Post, Delete or Close of the same thread.
	OnChange func([]Record)

	// OnError receives mutation errors after the list was restored, under the same rules as OnChange.
	OnError func(error)

	// MaxBodyLength is counted in runes.
	MaxBodyLength int

	RemoteTimeout time.Duration

	// ReactionFetchConcurrency limits parallel aggregate fetches on reload.
	ReactionFetchConcurrency int

	Metrics *metrics.Sync
}

func (c *ThreadConfig) setDefaults() {
	if c.SessionID == "" {
		c.SessionID = engagement.NewSessionID()
	}
	if c.MaxBodyLength == 0 {
		c.MaxBodyLength = DefaultMaxBodyLength
	}
	if c.ReactionFetchConcurrency == 0 {
		c.ReactionFetchConcurrency = 8
	}
}

func (c ThreadConfig) validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if !c.Target.Commentable() {
		return errors.Errorf("%s items cannot be commented", c.Target)
	}
	if c.ItemID == "" {
		return store.ErrInvalidItem
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.MaxBodyLength < 0 {
		return errors.New("max body length must not be negative")
	}
	return nil
}

// Thread is the local comment list of one item.
//
// Post appends a pending record and replaces it with the stored one,
// or removes it again when the store refuses it. Delete works the same way in reverse.
type Thread struct {
	config ThreadConfig
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	inFlight atomic.Bool

	lock    sync.Mutex
	records []Record
	started bool
	closed  bool

	version       uint64
	issuedTicket  uint64
	appliedTicket uint64

	// reactionTickets holds the ticket of the last reaction fetch applied per comment,
	// while it is newer than the last applied reload.
	reactionTickets map[string]uint64

	subscriptions []*realtime.Subscription

	emitLock sync.Mutex
}

func NewThread(config ThreadConfig, logger watermill.LoggerAdapter) (*Thread, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid thread config")
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

	return &Thread{
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		records: []Record{},

		reactionTickets: map[string]uint64{},
	}, nil
}

// Start subscribes to comment changes of the item and loads the thread.
func (t *Thread) Start(ctx context.Context) error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return ErrThreadClosed
	}
	if t.started {
		t.lock.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.lock.Unlock()

	if t.config.Feed != nil {
		comments, err := t.config.Feed.Subscribe(t.ctx, realtime.Filter{
			Table:  engagement.CommentsTable,
			ItemID: t.config.ItemID,
		}, func(ctx context.Context, _ engagement.ChangeEvent) {
			t.config.Metrics.Reconciled(t.config.Target.String(), "comments")
			t.reload(ctx)
		})
		if err != nil {
			return errors.Wrap(err, "cannot subscribe to comment changes")
		}
		t.addSubscription(comments)

		if t.config.Reactions != nil {
			// reaction rows of comments are keyed by the comment id, not by this item
			reactions, err := t.config.Feed.Subscribe(t.ctx, realtime.Filter{
				Table: engagement.TargetComment.ReactionTable(),
			}, t.handleReactionChange)
			if err != nil {
				return errors.Wrap(err, "cannot subscribe to comment reaction changes")
			}
			t.addSubscription(reactions)
		}
	}

	t.reload(ctx)
	return nil
}

func (t *Thread) addSubscription(s *realtime.Subscription) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.subscriptions = append(t.subscriptions, s)
}

// Close stops the subscriptions. No callback is called after Close returns.
func (t *Thread) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	subscriptions := t.subscriptions
	t.lock.Unlock()

	t.cancel()

	for _, s := range subscriptions {
		if err := s.Close(); err != nil {
			return errors.Wrap(err, "cannot close subscription")
		}
	}

	t.emitLock.Lock()
	t.emitLock.Unlock()

	t.logger.Debug("Thread closed", nil)
	return nil
}

// Records returns the thread, oldest first, with pending records at the end.
func (t *Thread) Records() []Record {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]Record{}, t.records...)
}

// Post appends a comment of the viewer. On failure the returned error is not nil
// and the thread is as it was, so the caller can keep the text for a retry.
func (t *Thread) Post(ctx context.Context, body string) (Record, error) {
	if t.config.Viewer.Anonymous() {
		return Record{}, ErrAnonymousViewer
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return Record{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > t.config.MaxBodyLength {
		return Record{}, errors.Wrapf(ErrBodyTooLong, "at most %d characters", t.config.MaxBodyLength)
	}

	target := t.config.Target.String()
	if !t.inFlight.CompareAndSwap(false, true) {
		t.config.Metrics.MutationFinished(target, "comment", metrics.OutcomeRejected)
		return Record{}, ErrMutationInFlight
	}
	defer t.inFlight.Store(false)

	viewer := t.config.Viewer
	local := Record{
		Comment: engagement.Comment{
			ID:           "local-" + engagement.NewSessionID(),
			Target:       t.config.Target,
			ItemID:       t.config.ItemID,
			AuthorID:     viewer.ID,
			AuthorName:   viewer.Name,
			AuthorAvatar: viewer.Avatar,
			Body:         body,
			CreatedAt:    time.Now().UTC(),
		},
		Reactions: engagement.EmptyAggregate(""),
		Pending:   true,
	}

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return Record{}, ErrThreadClosed
	}
	t.records = append(t.records, local)
	t.version++
	t.lock.Unlock()

	t.emit()

	logFields := watermill.LogFields{"author_id": viewer.ID}
	t.logger.Debug("Posting comment", logFields)

	stored, err := store.Query(engagement.WithOrigin(ctx, t.config.SessionID), t.config.RemoteTimeout,
		func(ctx context.Context) (engagement.Comment, error) {
			c := local.Comment
			c.ID = ""
			c.CreatedAt = time.Time{}
			return t.config.Store.InsertComment(ctx, c)
		},
	)

	var confirmed Record
	t.lock.Lock()
	t.records = without(t.records, local.ID)
	if err == nil {
		confirmed = Record{
			Comment:   stored,
			Reactions: engagement.EmptyAggregate(stored.ID),
		}
		// a reload may have brought it in already
		if indexOf(t.records, stored.ID) < 0 {
			t.records = append(t.records, confirmed)
		}
	}
	t.version++
	t.lock.Unlock()

	t.emit()

	if err != nil {
		err = errors.Wrap(err, "cannot post comment")
		t.logger.Error("Comment not posted, removed", err, logFields)
		t.config.Metrics.MutationFinished(target, "comment", metrics.OutcomeFailure)
		t.config.Metrics.RolledBack(target, "comment")
		t.reportError(err)
	} else {
		t.config.Metrics.MutationFinished(target, "comment", metrics.OutcomeSuccess)
	}

	t.reload(t.ctx)

	return confirmed, err
}

// Delete removes a comment of the viewer. It is restored at its place when the store refuses.
func (t *Thread) Delete(ctx context.Context, commentID string) error {
	if t.config.Viewer.Anonymous() {
		return ErrAnonymousViewer
	}

	target := t.config.Target.String()
	if !t.inFlight.CompareAndSwap(false, true) {
		t.config.Metrics.MutationFinished(target, "comment", metrics.OutcomeRejected)
		return ErrMutationInFlight
	}
	defer t.inFlight.Store(false)

	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return ErrThreadClosed
	}
	index := indexOf(t.records, commentID)
	if index < 0 {
		t.lock.Unlock()
		return errors.Wrapf(store.ErrNotFound, "comment %s", commentID)
	}
	removed := t.records[index]
	if removed.AuthorID != t.config.Viewer.ID {
		t.lock.Unlock()
		return store.ErrNotAuthor
	}
	t.records = without(t.records, commentID)
	t.version++
	t.lock.Unlock()

	t.emit()

	err := store.Exec(engagement.WithOrigin(ctx, t.config.SessionID), t.config.RemoteTimeout, func(ctx context.Context) error {
		return t.config.Store.DeleteComment(ctx, commentID, t.config.Viewer.ID)
	})

	if err != nil {
		t.lock.Lock()
		if !t.closed && indexOf(t.records, commentID) < 0 {
			t.records = insertAt(t.records, index, removed)
			t.version++
		}
		t.lock.Unlock()

		err = errors.Wrap(err, "cannot delete comment")
		t.logger.Error("Comment not deleted, restored", err, watermill.LogFields{"comment_id": commentID})
		t.config.Metrics.MutationFinished(target, "comment", metrics.OutcomeFailure)
		t.config.Metrics.RolledBack(target, "comment")
		t.emit()
		t.reportError(err)
	} else {
		t.config.Metrics.MutationFinished(target, "comment", metrics.OutcomeSuccess)
	}

	t.reload(t.ctx)

	return err
}

// reload loads the thread and applies it unless a newer load or a local write won.
func (t *Thread) reload(ctx context.Context) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}
	t.issuedTicket++
	ticket := t.issuedTicket
	version := t.version
	t.lock.Unlock()

	records, err := t.load(ctx)
	if err != nil {
		t.logger.Error("Cannot load comments, keeping the current ones", err, nil)
		t.config.Metrics.FetchFailed(t.config.Target.String(), "comments")
		return
	}

	t.lock.Lock()
	if t.closed || ticket <= t.appliedTicket || version != t.version {
		t.lock.Unlock()
		t.logger.Trace("Dropping stale comments", watermill.LogFields{"ticket": ticket})
		return
	}
	t.appliedTicket = ticket
	for i, r := range records {
		if t.reactionTickets[r.ID] <= ticket {
			continue
		}
		// reactions fetched after this load started are newer
		if current := indexOf(t.records, r.ID); current >= 0 {
			records[i].Reactions = t.records[current].Reactions
			records[i].ViewerReaction = t.records[current].ViewerReaction
		}
	}
	for id, reactionTicket := range t.reactionTickets {
		if reactionTicket <= ticket {
			delete(t.reactionTickets, id)
		}
	}
	t.records = append(records, pendingOf(t.records)...)
	t.lock.Unlock()

	t.emit()
}

func (t *Thread) load(ctx context.Context) ([]Record, error) {
	comments, err := store.Query(ctx, t.config.RemoteTimeout, func(ctx context.Context) ([]engagement.Comment, error) {
		return t.config.Store.ListComments(ctx, t.config.Target, t.config.ItemID)
	})
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(comments))
	for i, c := range comments {
		records[i] = Record{Comment: c, Reactions: engagement.EmptyAggregate(c.ID)}
	}

	if t.config.Reactions == nil {
		return records, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.config.ReactionFetchConcurrency)
	for i := range records {
		g.Go(func() error {
			s := t.config.Reactions.Fetch(ctx, engagement.TargetComment, records[i].ID, t.config.Viewer.ID)
			records[i].Reactions = s.Aggregate
			records[i].ViewerReaction = s.Choice
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return records, nil
}

// handleReactionChange fetches the reactions of one comment. The result is dropped
// when a local write or a load started later was applied in the meantime.
func (t *Thread) handleReactionChange(ctx context.Context, ev engagement.ChangeEvent) {
	t.lock.Lock()
	if t.closed || indexOf(t.records, ev.ItemID) < 0 {
		t.lock.Unlock()
		return
	}
	t.issuedTicket++
	ticket := t.issuedTicket
	version := t.version
	t.lock.Unlock()

	s := t.config.Reactions.Fetch(ctx, engagement.TargetComment, ev.ItemID, t.config.Viewer.ID)

	t.lock.Lock()
	index := indexOf(t.records, ev.ItemID)
	if t.closed || index < 0 || version != t.version ||
		ticket <= t.appliedTicket || ticket <= t.reactionTickets[ev.ItemID] {
		t.lock.Unlock()
		t.logger.Trace("Dropping stale comment reactions", watermill.LogFields{
			"comment_id": ev.ItemID,
			"ticket":     ticket,
		})
		return
	}
	t.reactionTickets[ev.ItemID] = ticket
	t.records[index].Reactions = s.Aggregate
	t.records[index].ViewerReaction = s.Choice
	t.lock.Unlock()

	t.config.Metrics.Reconciled(engagement.TargetComment.String(), "comment_reactions")
	t.emit()
}

func (t *Thread) emit() {
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
	records := append([]Record{}, t.records...)
	t.lock.Unlock()

	t.config.OnChange(records)
}

func (t *Thread) reportError(err error) {
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
