package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/store"
)

func (s *Store) reactionTable(target engagement.Target, itemID string) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	if itemID == "" {
		return "", store.ErrInvalidItem
	}
	return target.ReactionTable(), nil
}

func (s *Store) UpsertReaction(
	ctx context.Context,
	target engagement.Target,
	itemID, viewerID string,
	kind engagement.ReactionKind,
) error {
	table, err := s.reactionTable(target, itemID)
	if err != nil {
		return err
	}
	if viewerID == "" {
		return errors.New("viewer id is required")
	}
	if err := engagement.ValidateKind(kind, s.config.AllowedKinds); err != nil {
		return err
	}

	var oldKind engagement.ReactionKind

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		oldKind, err = viewerReaction(ctx, tx, table, itemID, viewerID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (item_id, viewer_id, kind, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (item_id, viewer_id) DO UPDATE SET kind = excluded.kind, updated_at = excluded.updated_at`,
			table,
		), itemID, viewerID, string(kind), time.Now().UnixNano())

		return errors.Wrap(err, "cannot upsert reaction")
	})
	if err != nil {
		return err
	}

	if oldKind == kind {
		return nil
	}

	changeType := engagement.ChangeUpdate
	if oldKind.IsAbsent() {
		changeType = engagement.ChangeInsert
	}

	s.notify(ctx, engagement.ChangeEvent{
		Table:    table,
		Type:     changeType,
		ItemID:   itemID,
		ViewerID: viewerID,
		OldKind:  oldKind,
		NewKind:  kind,
	})

	return nil
}

func (s *Store) DeleteReaction(ctx context.Context, target engagement.Target, itemID, viewerID string) error {
	table, err := s.reactionTable(target, itemID)
	if err != nil {
		return err
	}

	var oldKind engagement.ReactionKind

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		oldKind, err = viewerReaction(ctx, tx, table, itemID, viewerID)
		if err != nil || oldKind.IsAbsent() {
			return err
		}

		_, err = tx.ExecContext(
			ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE item_id = ? AND viewer_id = ?`, table),
			itemID, viewerID,
		)
		return errors.Wrap(err, "cannot delete reaction")
	})
	if err != nil {
		return err
	}

	if oldKind.IsAbsent() {
		return nil
	}

	s.notify(ctx, engagement.ChangeEvent{
		Table:    table,
		Type:     engagement.ChangeDelete,
		ItemID:   itemID,
		ViewerID: viewerID,
		OldKind:  oldKind,
	})

	return nil
}

// ReactionCounts groups the item's reactions by kind in the database.
func (s *Store) ReactionCounts(ctx context.Context, target engagement.Target, itemID string) ([]engagement.KindCount, error) {
	table, err := s.reactionTable(target, itemID)
	if err != nil {
		return nil, err
	}

	var counts []engagement.KindCount
	err = s.db.SelectContext(ctx, &counts, fmt.Sprintf(`
		SELECT kind, COUNT(*) AS count FROM %s
		WHERE item_id = ?
		GROUP BY kind
		ORDER BY count DESC, kind ASC`,
		table,
	), itemID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot count reactions")
	}

	return counts, nil
}

func (s *Store) ViewerReaction(
	ctx context.Context,
	target engagement.Target,
	itemID, viewerID string,
) (engagement.ReactionKind, error) {
	table, err := s.reactionTable(target, itemID)
	if err != nil {
		return engagement.NoReaction, err
	}
	return viewerReaction(ctx, s.db, table, itemID, viewerID)
}

func viewerReaction(
	ctx context.Context,
	q sqlx.QueryerContext,
	table, itemID, viewerID string,
) (engagement.ReactionKind, error) {
	var kind string
	err := sqlx.GetContext(
		ctx,
		q,
		&kind,
		fmt.Sprintf(`SELECT kind FROM %s WHERE item_id = ? AND viewer_id = ?`, table),
		itemID, viewerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.NoReaction, nil
	}
	if err != nil {
		return engagement.NoReaction, errors.Wrap(err, "cannot get viewer reaction")
	}

	return engagement.ReactionKind(kind), nil
}
