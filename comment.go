package engagement

import (
	"time"
)

// Comment is a comment attached to a post or a feed entry.
type Comment struct {
	ID           string    `json:"id" db:"id"`
	Target       Target    `json:"target" db:"target"`
	ItemID       string    `json:"item_id" db:"item_id"`
	AuthorID     string    `json:"author_id" db:"author_id"`
	AuthorName   string    `json:"author_name" db:"author_name"`
	AuthorAvatar string    `json:"author_avatar,omitempty" db:"author_avatar"`
	Body         string    `json:"body" db:"body"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Viewer is the person using a client session.
// Display fields are known locally, so they are not fetched back after a write.
type Viewer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

func (v Viewer) Anonymous() bool {
	return v.ID == ""
}
