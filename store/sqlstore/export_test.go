package sqlstore

import (
	"context"
	"fmt"

	"github.com/campuslink/engagement"
)

// CountRows returns the number of stored reactions of the viewer on the item.
func (s *Store) CountRows(ctx context.Context, target engagement.Target, itemID, viewerID string) (int, error) {
	var count int
	err := s.db.GetContext(
		ctx,
		&count,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE item_id = ? AND viewer_id = ?`, target.ReactionTable()),
		itemID, viewerID,
	)
	return count, err
}
