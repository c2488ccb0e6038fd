// Package reaction keeps a local, optimistically updated view of the reactions of one item.
package reaction

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/internal/metrics"
	"github.com/campuslink/engagement/store"
)

// Snapshot is the reaction state of one item as seen by one viewer.
type Snapshot struct {
	ItemID    string                  `json:"item_id"`
	Aggregate engagement.Aggregate    `json:"aggregate"`
	Breakdown engagement.Breakdown    `json:"breakdown"`
	Choice    engagement.ReactionKind `json:"choice,omitempty"`

	// Pending is true while a mutation of the viewer is not confirmed by the store.
	Pending bool `json:"pending"`
}

func newSnapshot(itemID string, breakdown engagement.Breakdown, choice engagement.ReactionKind, topN int) Snapshot {
	if breakdown == nil {
		breakdown = engagement.Breakdown{}
	}
	return Snapshot{
		ItemID:    itemID,
		Aggregate: breakdown.Aggregate(itemID, topN),
		Breakdown: breakdown,
		Choice:    choice,
	}
}

type FetcherConfig struct {
	// TopN is the number of kinds kept in Aggregate.Top. Defaults to engagement.DefaultTopN.
	TopN int

	// RemoteTimeout limits every store call. Zero means no limit.
	RemoteTimeout time.Duration

	Metrics *metrics.Sync
}

func (c *FetcherConfig) setDefaults() {
	if c.TopN == 0 {
		c.TopN = engagement.DefaultTopN
	}
}

// Fetcher loads the reaction aggregate of an item and the choice of a viewer.
// It never fails: store errors degrade to an empty aggregate or an absent choice.
type Fetcher struct {
	store  store.Reactions
	config FetcherConfig
	logger watermill.LoggerAdapter
}

func NewFetcher(reactions store.Reactions, config FetcherConfig, logger watermill.LoggerAdapter) *Fetcher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	config.setDefaults()

	return &Fetcher{
		store:  reactions,
		config: config,
		logger: logger,
	}
}

// Fetch returns the current state of itemID. An empty viewerID skips the viewer lookup.
func (f *Fetcher) Fetch(ctx context.Context, target engagement.Target, itemID, viewerID string) Snapshot {
	logFields := watermill.LogFields{
		"target":    target.String(),
		"item_id":   itemID,
		"viewer_id": viewerID,
	}

	if itemID == "" {
		f.logger.Error("Cannot fetch reactions", store.ErrInvalidItem, logFields)
		return newSnapshot(itemID, nil, engagement.NoReaction, f.config.TopN)
	}

	breakdown := engagement.Breakdown{}
	counts, err := store.Query(ctx, f.config.RemoteTimeout, func(ctx context.Context) ([]engagement.KindCount, error) {
		return f.store.ReactionCounts(ctx, target, itemID)
	})
	if err != nil {
		f.logger.Error("Cannot fetch reaction counts, showing none", err, logFields)
		f.config.Metrics.FetchFailed(target.String(), "counts")
	} else {
		breakdown = engagement.NewBreakdown(counts)
	}

	choice := engagement.NoReaction
	if viewerID != "" {
		kind, err := store.Query(ctx, f.config.RemoteTimeout, func(ctx context.Context) (engagement.ReactionKind, error) {
			return f.store.ViewerReaction(ctx, target, itemID, viewerID)
		})
		if err != nil {
			f.logger.Error("Cannot fetch viewer reaction, showing none", err, logFields)
			f.config.Metrics.FetchFailed(target.String(), "viewer")
		} else {
			choice = kind
		}
	}

	f.logger.Trace("Reactions fetched", logFields.Add(watermill.LogFields{
		"total":  breakdown.Total(),
		"choice": string(choice),
	}))

	return newSnapshot(itemID, breakdown, choice, f.config.TopN)
}
