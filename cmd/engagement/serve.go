package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/campuslink/engagement/httpapi"
	"github.com/campuslink/engagement/reaction"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the reaction streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := httpapi.NewServer(httpapi.Config{
				Store:         a.store,
				Subscriber:    a.pubSub.Subscriber,
				TopN:          cfg.Sync.TopN,
				AllowedKinds:  cfg.ReactionKinds(),
				MaxBodyLength: cfg.Sync.MaxBodyLength,
				RemoteTimeout: cfg.Sync.RemoteTimeout,
				Fetcher: reaction.NewFetcher(a.store, reaction.FetcherConfig{
					TopN:          cfg.Sync.TopN,
					RemoteTimeout: cfg.Sync.RemoteTimeout,
					Metrics:       a.sync,
				}, logger),
				Metrics: a.metrics.Handler(),
				Ping:    a.store.Ping,
			}, logger)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)

			// open streams end with ctx, so Shutdown does not wait for them
			httpServer := &http.Server{
				Addr:        cfg.HTTP.Addr,
				Handler:     server.Handler(),
				BaseContext: func(net.Listener) context.Context { return ctx },
			}

			g.Go(func() error {
				return server.RunStreams(ctx)
			})

			g.Go(func() error {
				logger.Info("Serving HTTP", watermill.LogFields{"addr": cfg.HTTP.Addr})
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "http server failed")
				}
				return nil
			})

			g.Go(func() error {
				<-ctx.Done()
				logger.Info("Shutting down", nil)

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address")
	ensure(viper.BindPFlag("http.addr", cmd.Flags().Lookup("addr")))

	return cmd
}
