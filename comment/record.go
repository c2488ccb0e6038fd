// Package comment keeps a local, optimistically updated comment thread of one item.
package comment

import (
	"github.com/samber/lo"

	"github.com/campuslink/engagement"
)

// Record is a comment as shown in a thread.
type Record struct {
	engagement.Comment

	Reactions      engagement.Aggregate    `json:"reactions"`
	ViewerReaction engagement.ReactionKind `json:"viewer_reaction,omitempty"`

	// Pending is true until the store confirms the comment.
	Pending bool `json:"pending"`
}

func indexOf(records []Record, id string) int {
	_, index, ok := lo.FindIndexOf(records, func(r Record) bool { return r.ID == id })
	if !ok {
		return -1
	}
	return index
}

func without(records []Record, id string) []Record {
	return lo.Reject(records, func(r Record, _ int) bool { return r.ID == id })
}

func insertAt(records []Record, index int, r Record) []Record {
	if index < 0 || index > len(records) {
		index = len(records)
	}
	out := make([]Record, 0, len(records)+1)
	out = append(out, records[:index]...)
	out = append(out, r)
	return append(out, records[index:]...)
}

func pendingOf(records []Record) []Record {
	return lo.Filter(records, func(r Record, _ int) bool { return r.Pending })
}
