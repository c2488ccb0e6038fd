package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/store"
)

type commentRow struct {
	ID           string `db:"id"`
	Target       string `db:"target"`
	ItemID       string `db:"item_id"`
	AuthorID     string `db:"author_id"`
	AuthorName   string `db:"author_name"`
	AuthorAvatar string `db:"author_avatar"`
	Body         string `db:"body"`
	CreatedAt    int64  `db:"created_at"`
}

func newCommentRow(c engagement.Comment) commentRow {
	return commentRow{
		ID:           c.ID,
		Target:       string(c.Target),
		ItemID:       c.ItemID,
		AuthorID:     c.AuthorID,
		AuthorName:   c.AuthorName,
		AuthorAvatar: c.AuthorAvatar,
		Body:         c.Body,
		CreatedAt:    c.CreatedAt.UnixNano(),
	}
}

func (r commentRow) comment() engagement.Comment {
	return engagement.Comment{
		ID:           r.ID,
		Target:       engagement.Target(r.Target),
		ItemID:       r.ItemID,
		AuthorID:     r.AuthorID,
		AuthorName:   r.AuthorName,
		AuthorAvatar: r.AuthorAvatar,
		Body:         r.Body,
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
	}
}

func validateCommentTarget(target engagement.Target, itemID string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if !target.Commentable() {
		return errors.Errorf("%s items cannot carry comments", target)
	}
	if itemID == "" {
		return store.ErrInvalidItem
	}
	return nil
}

func (s *Store) InsertComment(ctx context.Context, c engagement.Comment) (engagement.Comment, error) {
	if err := validateCommentTarget(c.Target, c.ItemID); err != nil {
		return engagement.Comment{}, err
	}
	if c.AuthorID == "" {
		return engagement.Comment{}, errors.New("author id is required")
	}
	if strings.TrimSpace(c.Body) == "" {
		return engagement.Comment{}, errors.New("comment body is empty")
	}

	if c.ID == "" {
		c.ID = engagement.NewCommentID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO comments (id, target, item_id, author_id, author_name, author_avatar, body, created_at)
		VALUES (:id, :target, :item_id, :author_id, :author_name, :author_avatar, :body, :created_at)`,
		newCommentRow(c),
	)
	if err != nil {
		return engagement.Comment{}, errors.Wrap(err, "cannot insert comment")
	}

	s.notify(ctx, engagement.ChangeEvent{
		Table:     engagement.CommentsTable,
		Type:      engagement.ChangeInsert,
		ItemID:    c.ItemID,
		ViewerID:  c.AuthorID,
		CommentID: c.ID,
	})

	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) ListComments(ctx context.Context, target engagement.Target, itemID string) ([]engagement.Comment, error) {
	if err := validateCommentTarget(target, itemID); err != nil {
		return nil, err
	}

	var rows []commentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, target, item_id, author_id, author_name, author_avatar, body, created_at
		FROM comments
		WHERE target = ? AND item_id = ?
		ORDER BY created_at ASC, id ASC`,
		string(target), itemID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot list comments")
	}

	comments := make([]engagement.Comment, 0, len(rows))
	for _, r := range rows {
		comments = append(comments, r.comment())
	}

	return comments, nil
}

type viewerKindRow struct {
	ViewerID string `db:"viewer_id"`
	Kind     string `db:"kind"`
}

// DeleteComment deletes the comment with its reactions.
// Every removed reaction is announced, so reaction counts of the comment drop to zero.
func (s *Store) DeleteComment(ctx context.Context, commentID, authorID string) error {
	var (
		deleted   commentRow
		reactions []viewerKindRow
	)
	reactionTable := engagement.TargetComment.ReactionTable()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &deleted, `
			SELECT id, target, item_id, author_id, author_name, author_avatar, body, created_at
			FROM comments WHERE id = ?`,
			commentID,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(store.ErrNotFound, "comment %s", commentID)
		}
		if err != nil {
			return errors.Wrap(err, "cannot get comment")
		}

		if deleted.AuthorID != authorID {
			return store.ErrNotAuthor
		}

		if err := tx.SelectContext(
			ctx,
			&reactions,
			`SELECT viewer_id, kind FROM `+reactionTable+` WHERE item_id = ? ORDER BY viewer_id`,
			commentID,
		); err != nil {
			return errors.Wrap(err, "cannot get comment reactions")
		}

		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM `+reactionTable+` WHERE item_id = ?`,
			commentID,
		); err != nil {
			return errors.Wrap(err, "cannot delete comment reactions")
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, commentID)
		return errors.Wrap(err, "cannot delete comment")
	})
	if err != nil {
		return err
	}

	s.notify(ctx, engagement.ChangeEvent{
		Table:     engagement.CommentsTable,
		Type:      engagement.ChangeDelete,
		ItemID:    deleted.ItemID,
		ViewerID:  deleted.AuthorID,
		CommentID: deleted.ID,
	})

	for _, r := range reactions {
		s.notify(ctx, engagement.ChangeEvent{
			Table:    reactionTable,
			Type:     engagement.ChangeDelete,
			ItemID:   deleted.ID,
			ViewerID: r.ViewerID,
			OldKind:  engagement.ReactionKind(r.Kind),
		})
	}

	return nil
}
