package main

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/campuslink/engagement/internal/config"
	"github.com/campuslink/engagement/internal/metrics"
	"github.com/campuslink/engagement/realtime"
	"github.com/campuslink/engagement/store/sqlstore"
)

// app is the store with its change feed, as every command needs it.
type app struct {
	pubSub  *realtime.PubSub
	store   *sqlstore.Store
	feed    *realtime.Feed
	metrics metrics.Builder
	sync    *metrics.Sync
}

func newApp(ctx context.Context, c config.Config) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewBuilder(registry, c.Metrics.Namespace)

	a.sync, err = a.metrics.Sync()
	if err != nil {
		return nil, err
	}

	a.pubSub, err = realtime.NewPubSub(ctx, c.PubSubConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := a.metrics.DecoratePubSub(a.pubSub); err != nil {
		return nil, errors.Wrap(err, "cannot add pub/sub metrics")
	}

	notifier, err := realtime.NewNotifier(a.pubSub.Publisher, realtime.NotifierConfig{}, logger)
	if err != nil {
		return nil, err
	}

	a.store, err = sqlstore.Open(ctx, sqlstore.Config{
		DSN:              c.Database.DSN,
		AllowedKinds:     c.ReactionKinds(),
		Notifier:         notifier,
		InitializeSchema: c.Database.Migrate,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.feed = realtime.NewFeed(a.pubSub.Subscriber, logger)

	return a, nil
}

func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var result error
	if a.feed != nil {
		if err := a.feed.CloseContext(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.pubSub != nil {
		if err := a.pubSub.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
