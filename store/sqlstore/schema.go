package sqlstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
)

func reactionTableSchema(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	item_id TEXT NOT NULL,
	viewer_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (item_id, viewer_id)
);`, table)
}

const commentsSchema = `
CREATE TABLE IF NOT EXISTS comments (
	id TEXT NOT NULL PRIMARY KEY,
	target TEXT NOT NULL,
	item_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_name TEXT NOT NULL DEFAULT '',
	author_avatar TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_item_idx ON comments (target, item_id, created_at);
`

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	queries := make([]string, 0, len(engagement.Targets)+1)
	for _, target := range engagement.Targets {
		queries = append(queries, reactionTableSchema(target.ReactionTable()))
	}
	queries = append(queries, commentsSchema)

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "cannot migrate schema")
		}
	}

	s.logger.Debug("Schema migrated", nil)
	return nil
}
