package engagement

import (
	"context"
	"time"
)

// ChangeType is the kind of row change carried by a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// CommentsTable is the table, and the change topic, of comments.
const CommentsTable = "comments"

// ChangeEvent describes one committed change of a reaction or comment row.
type ChangeEvent struct {
	ID     string     `json:"id"`
	Table  string     `json:"table"`
	Type   ChangeType `json:"type"`
	ItemID string     `json:"item_id"`

	// ViewerID is the owner of the changed reaction, or the author of the changed comment.
	ViewerID string `json:"viewer_id"`

	// OldKind and NewKind are set for reaction changes.
	OldKind ReactionKind `json:"old_kind,omitempty"`
	NewKind ReactionKind `json:"new_kind,omitempty"`

	CommentID string `json:"comment_id,omitempty"`

	// Origin is the session that made the change, see WithOrigin.
	Origin string `json:"origin,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

type originKey struct{}

// WithOrigin marks writes made with ctx as done by the session.
func WithOrigin(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, originKey{}, session)
}

// OriginFromContext returns the session set by WithOrigin, or an empty string.
func OriginFromContext(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
