package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/comment"
	"github.com/campuslink/engagement/reaction"
)

type itemFlags struct {
	target string
	itemID string
	viewer engagement.Viewer
}

func (f *itemFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "target", string(engagement.TargetPost), "item type: post, feed or comment")
	cmd.Flags().StringVar(&f.itemID, "item", "", "item id")
	cmd.Flags().StringVar(&f.viewer.ID, "viewer", "", "viewer id, empty for an anonymous viewer")
	cmd.Flags().StringVar(&f.viewer.Name, "viewer-name", "", "viewer display name")
	cmd.Flags().StringVar(&f.viewer.Avatar, "viewer-avatar", "", "viewer avatar URL")
	ensure(cmd.MarkFlagRequired("item"))
}

func (f itemFlags) parseTarget() (engagement.Target, error) {
	return engagement.ParseTarget(f.target)
}

func (f itemFlags) trackerConfig(a *app) (reaction.TrackerConfig, error) {
	target, err := f.parseTarget()
	if err != nil {
		return reaction.TrackerConfig{}, err
	}

	return reaction.TrackerConfig{
		Target:        target,
		ItemID:        f.itemID,
		ViewerID:      f.viewer.ID,
		Store:         a.store,
		Feed:          a.feed,
		TopN:          cfg.Sync.TopN,
		AllowedKinds:  cfg.ReactionKinds(),
		Reconcile:     reaction.ReconcileMode(cfg.Sync.Reconcile),
		RemoteTimeout: cfg.Sync.RemoteTimeout,
		Metrics:       a.sync,
	}, nil
}

func printJSON(w io.Writer, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error("Cannot print", err, nil)
		return
	}
	fmt.Fprintln(w, string(b))
}

func watchCmd() *cobra.Command {
	flags := &itemFlags{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the reaction state of an item on every change",
		Long: `Print the reaction state of an item on every change, as JSON lines.

Changes made by other processes are seen only with the redis realtime backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			config, err := flags.trackerConfig(a)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			config.OnChange = func(s reaction.Snapshot) { printJSON(out, s) }

			tracker, err := reaction.NewTracker(config, logger)
			if err != nil {
				return err
			}
			if err := tracker.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return tracker.Close()
		},
	}
	flags.register(cmd)

	return cmd
}

func reactCmd() *cobra.Command {
	flags := &itemFlags{}
	var kind string
	var clearReaction bool

	cmd := &cobra.Command{
		Use:   "react",
		Short: "React to an item as a viewer, selecting the same kind twice removes it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" && !clearReaction {
				return errors.New("either --kind or --clear is required")
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			config, err := flags.trackerConfig(a)
			if err != nil {
				return err
			}
			config.Feed = nil

			tracker, err := reaction.NewTracker(config, logger)
			if err != nil {
				return err
			}
			defer tracker.Close()

			if err := tracker.Start(cmd.Context()); err != nil {
				return err
			}

			if clearReaction {
				err = tracker.Clear(cmd.Context())
			} else {
				err = tracker.React(cmd.Context(), engagement.ReactionKind(kind))
			}
			if err != nil {
				return err
			}

			printJSON(cmd.OutOrStdout(), tracker.Snapshot())
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", "", "reaction kind")
	cmd.Flags().BoolVar(&clearReaction, "clear", false, "remove the viewer's reaction")

	return cmd
}

func commentCmd() *cobra.Command {
	flags := &itemFlags{}
	var body string
	var deleteID string

	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Post or delete a comment as a viewer, then print the thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			if body == "" && deleteID == "" {
				return errors.New("either --body or --delete is required")
			}

			target, err := flags.parseTarget()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			thread, err := comment.NewThread(comment.ThreadConfig{
				Target: target,
				ItemID: flags.itemID,
				Viewer: flags.viewer,
				Store:  a.store,
				Reactions: reaction.NewFetcher(a.store, reaction.FetcherConfig{
					TopN:          cfg.Sync.TopN,
					RemoteTimeout: cfg.Sync.RemoteTimeout,
					Metrics:       a.sync,
				}, logger),
				MaxBodyLength: cfg.Sync.MaxBodyLength,
				RemoteTimeout: cfg.Sync.RemoteTimeout,
				Metrics:       a.sync,
			}, logger)
			if err != nil {
				return err
			}
			defer thread.Close()

			if err := thread.Start(cmd.Context()); err != nil {
				return err
			}

			if deleteID != "" {
				err = thread.Delete(cmd.Context(), deleteID)
			} else {
				_, err = thread.Post(cmd.Context(), body)
			}
			if err != nil {
				return err
			}

			for _, record := range thread.Records() {
				printJSON(cmd.OutOrStdout(), record)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&body, "body", "", "comment text")
	cmd.Flags().StringVar(&deleteID, "delete", "", "id of the viewer's comment to delete")

	return cmd
}
