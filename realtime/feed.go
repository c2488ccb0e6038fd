package realtime

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
	internalSync "github.com/campuslink/engagement/internal/sync"
)

var ErrFeedClosed = errors.New("feed closed")

// Filter selects change events of one table, optionally of one item.
type Filter struct {
	Table string

	// ItemID limits the subscription to rows where item_id equals it. Empty matches every item.
	ItemID string
}

func (f Filter) validate() error {
	if f.Table == "" {
		return errors.New("filter table is required")
	}
	return nil
}

func (f Filter) matchesMessage(msg *message.Message) bool {
	if f.ItemID == "" {
		return true
	}
	return msg.Metadata.Get(MetadataItemID) == f.ItemID
}

// Handler is called for every matching change, one at a time, in the order of delivery.
type Handler func(ctx context.Context, ev engagement.ChangeEvent)

// Feed delivers change events from a watermill Subscriber to filtered handlers.
//
// Every Subscribe opens its own subscription on the underlying Subscriber,
// so each handler receives every matching change.
type Feed struct {
	sub    message.Subscriber
	logger watermill.LoggerAdapter

	subscriptionsWg   sync.WaitGroup
	subscriptions     map[*Subscription]struct{}
	subscriptionsLock sync.Mutex

	closed bool
}

func NewFeed(sub message.Subscriber, logger watermill.LoggerAdapter) *Feed {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return &Feed{
		sub:           sub,
		logger:        logger,
		subscriptions: map[*Subscription]struct{}{},
	}
}

// Subscribe starts delivering changes matching filter to handler.
// Delivery stops when ctx is canceled or the returned Subscription is closed.
func (f *Feed) Subscribe(ctx context.Context, filter Filter, handler Handler) (*Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	f.subscriptionsLock.Lock()
	defer f.subscriptionsLock.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}

	ctx, cancel := context.WithCancel(ctx)

	messages, err := f.sub.Subscribe(ctx, filter.Table)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "cannot subscribe to %s", filter.Table)
	}

	s := &Subscription{
		filter: filter,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	f.subscriptions[s] = struct{}{}
	f.subscriptionsWg.Add(1)

	logger := f.logger.With(watermill.LogFields{
		"table":   filter.Table,
		"item_id": filter.ItemID,
	})
	logger.Debug("Subscription opened", nil)

	go func() {
		defer func() {
			f.subscriptionsLock.Lock()
			delete(f.subscriptions, s)
			f.subscriptionsLock.Unlock()

			close(s.done)
			f.subscriptionsWg.Done()
			logger.Debug("Subscription closed", nil)
		}()

		s.consume(ctx, messages, handler, logger)
	}()

	return s, nil
}

// Close closes every open subscription and waits until their handlers return.
func (f *Feed) Close() error {
	return f.CloseContext(context.Background())
}

// CloseContext is Close giving up waiting for handlers when ctx is done.
func (f *Feed) CloseContext(ctx context.Context) error {
	f.subscriptionsLock.Lock()
	if f.closed {
		f.subscriptionsLock.Unlock()
		return nil
	}
	f.closed = true

	for s := range f.subscriptions {
		s.cancel()
	}
	f.subscriptionsLock.Unlock()

	f.logger.Debug("Closing feed, waiting for subscriptions", nil)
	if err := internalSync.Wait(ctx, &f.subscriptionsWg); err != nil {
		return errors.Wrap(err, "subscriptions did not stop in time")
	}

	return nil
}

// Subscription is one open change subscription. It must be closed when no longer needed.
type Subscription struct {
	filter Filter
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) consume(
	ctx context.Context,
	messages <-chan *message.Message,
	handler Handler,
	logger watermill.LoggerAdapter,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			if !s.filter.matchesMessage(msg) {
				msg.Ack()
				continue
			}

			ev, err := EventFromMessage(msg)
			msg.Ack()
			if err != nil {
				logger.Error("Dropping malformed change", err, watermill.LogFields{"message_uuid": msg.UUID})
				continue
			}

			logger.Trace("Delivering change", watermill.LogFields{"event_id": ev.ID, "type": ev.Type})
			handler(ctx, ev)
		}
	}
}

// Close stops the delivery and waits until the handler in progress, if any, returns.
// Close must not be called from inside the handler.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// Done is closed when the subscription stopped delivering changes.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
