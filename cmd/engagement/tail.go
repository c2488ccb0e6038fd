package main

import (
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill-io/pkg/io"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/realtime"
)

func tailCmd() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print raw change notifications of a table to stdout",
		Long: `Print raw change notifications of a table to stdout.

Tables are post_reactions, feed_reactions, comment_reactions and comments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pubSub, err := realtime.NewPubSub(cmd.Context(), cfg.PubSubConfig(), logger)
			if err != nil {
				return err
			}
			defer pubSub.Close()

			router, err := message.NewRouter(
				message.RouterConfig{
					CloseTimeout: 5 * time.Second,
				},
				logger,
			)
			if err != nil {
				return errors.Wrap(err, "could not create router")
			}

			router.AddPlugin(plugin.SignalsHandler)

			out, err := io.NewPublisher(
				os.Stdout,
				io.PublisherConfig{
					MarshalFunc: io.PayloadMarshalFunc,
				},
				logger,
			)
			if err != nil {
				return errors.Wrap(err, "could not create console publisher")
			}

			router.AddHandler(
				"tail_"+table,
				table,
				pubSub.Subscriber,
				table,
				out,
				func(msg *message.Message) ([]*message.Message, error) {
					return message.Messages{msg}, nil
				},
			)

			return router.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&table, "table", engagement.TargetPost.ReactionTable(), "table to follow")

	return cmd
}
