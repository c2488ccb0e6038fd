// Package store defines what the engagement clients need from the remote store.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotAuthor   = errors.New("comment belongs to another author")
	ErrInvalidItem = errors.New("item id is required")
)

// Reactions keeps at most one reaction per (item, viewer) for every target.
type Reactions interface {
	// UpsertReaction stores the viewer's reaction, replacing the previous one.
	// The conflict target is (item, viewer), so concurrent writes never create a second row.
	UpsertReaction(ctx context.Context, target engagement.Target, itemID, viewerID string, kind engagement.ReactionKind) error

	// DeleteReaction removes the viewer's reaction. Removing a missing reaction is not an error.
	DeleteReaction(ctx context.Context, target engagement.Target, itemID, viewerID string) error

	// ReactionCounts returns the grouped counts per kind computed by the store.
	ReactionCounts(ctx context.Context, target engagement.Target, itemID string) ([]engagement.KindCount, error)

	// ViewerReaction returns the viewer's reaction, or engagement.NoReaction.
	ViewerReaction(ctx context.Context, target engagement.Target, itemID, viewerID string) (engagement.ReactionKind, error)
}

type Comments interface {
	// InsertComment stores c. The store assigns ID and CreatedAt when they are empty.
	InsertComment(ctx context.Context, c engagement.Comment) (engagement.Comment, error)

	// ListComments returns comments of the item, oldest first.
	ListComments(ctx context.Context, target engagement.Target, itemID string) ([]engagement.Comment, error)

	// DeleteComment removes the comment if it was written by authorID.
	DeleteComment(ctx context.Context, commentID, authorID string) error
}

// Backend is a store serving both reactions and comments.
type Backend interface {
	Reactions
	Comments
}

// Query calls fn with ctx limited to timeout. A non-positive timeout means no limit.
func Query[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// Exec is Query for calls returning only an error.
func Exec(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Query(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
