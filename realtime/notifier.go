package realtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/campuslink/engagement"
)

var (
	ErrNegativeNumberOfRetries     = errors.New("number of retries should not be negative")
	ErrNonPositiveTimeToFirstRetry = errors.New("time to first retry should be positive")
)

type NotifierConfig struct {
	// MaxRetries is the number of publish retries after the first failed attempt.
	// Nil means 3, zero disables retries.
	MaxRetries *int

	// InitialInterval is the time before the first retry.
	// Each subsequent retry waits longer, with exponential backoff.
	InitialInterval time.Duration
}

func (c *NotifierConfig) setDefaults() {
	if c.MaxRetries == nil {
		c.MaxRetries = lo.ToPtr(3)
	}

	if c.InitialInterval == 0 {
		c.InitialInterval = 50 * time.Millisecond
	}
}

func (c NotifierConfig) validate() error {
	if *c.MaxRetries < 0 {
		return ErrNegativeNumberOfRetries
	}
	if c.InitialInterval <= 0 {
		return ErrNonPositiveTimeToFirstRetry
	}

	return nil
}

// Notifier publishes change events of committed writes.
type Notifier struct {
	pub    message.Publisher
	config NotifierConfig
	logger watermill.LoggerAdapter
}

func NewNotifier(pub message.Publisher, config NotifierConfig, logger watermill.LoggerAdapter) (*Notifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid Notifier config")
	}

	return &Notifier{
		pub:    pub,
		config: config,
		logger: logger,
	}, nil
}

// Notify publishes ev to the topic named after ev.Table.
// Missing ID, Origin and OccurredAt are filled in.
func (n *Notifier) Notify(ctx context.Context, ev engagement.ChangeEvent) error {
	if ev.ID == "" {
		ev.ID = engagement.NewEventID()
	}
	if ev.Origin == "" {
		ev.Origin = engagement.OriginFromContext(ctx)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	msg, err := NewMessage(ev)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)

	logFields := watermill.LogFields{
		"event_id": ev.ID,
		"table":    ev.Table,
		"item_id":  ev.ItemID,
		"type":     ev.Type,
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = n.config.InitialInterval
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(*n.config.MaxRetries)),
		ctx,
	)

	err = backoff.RetryNotify(
		func() error {
			return n.pub.Publish(ev.Table, msg)
		},
		policy,
		func(err error, wait time.Duration) {
			n.logger.Info("Publishing change failed, retrying in "+wait.String(), logFields.Add(watermill.LogFields{
				"err": err,
			}))
		},
	)
	if err != nil {
		return errors.Wrapf(err, "cannot publish change %s", ev.ID)
	}

	n.logger.Trace("Change published", logFields)
	return nil
}
