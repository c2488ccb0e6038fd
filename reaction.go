package engagement

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ReactionKind is a kind of reaction, like "like" or "love".
// NoReaction means the viewer has not reacted.
type ReactionKind string

const NoReaction ReactionKind = ""

// DefaultReactionKinds are the kinds accepted when nothing else is configured.
var DefaultReactionKinds = []ReactionKind{"like", "love", "haha", "wow", "sad", "angry"}

// DefaultTopN is the number of kinds kept in Aggregate.Top.
const DefaultTopN = 3

var ErrUnknownKind = errors.New("unknown reaction kind")

func (k ReactionKind) IsAbsent() bool {
	return k == NoReaction
}

// ValidateKind checks that kind is one of allowed. An empty allowed list means DefaultReactionKinds.
func ValidateKind(kind ReactionKind, allowed []ReactionKind) error {
	if len(allowed) == 0 {
		allowed = DefaultReactionKinds
	}
	if !lo.Contains(allowed, kind) {
		return errors.Wrapf(ErrUnknownKind, "%q", string(kind))
	}
	return nil
}

type KindCount struct {
	Kind  ReactionKind `json:"kind" db:"kind"`
	Count int          `json:"count" db:"count"`
}

// Breakdown is the full list of reaction counts of one item,
// ordered by count descending and kind ascending.
type Breakdown []KindCount

// NewBreakdown merges duplicated kinds, drops empty ones and sorts the result.
func NewBreakdown(counts []KindCount) Breakdown {
	merged := map[ReactionKind]int{}
	for _, c := range counts {
		if c.Kind.IsAbsent() {
			continue
		}
		merged[c.Kind] += c.Count
	}

	b := make(Breakdown, 0, len(merged))
	for kind, count := range merged {
		if count <= 0 {
			continue
		}
		b = append(b, KindCount{Kind: kind, Count: count})
	}

	sort.Slice(b, func(i, j int) bool {
		if b[i].Count != b[j].Count {
			return b[i].Count > b[j].Count
		}
		return b[i].Kind < b[j].Kind
	})

	return b
}

func (b Breakdown) Total() int {
	return lo.SumBy(b, func(c KindCount) int { return c.Count })
}

func (b Breakdown) Count(kind ReactionKind) int {
	c, _ := lo.Find(b, func(c KindCount) bool { return c.Kind == kind })
	return c.Count
}

// Top returns at most n leading kinds. Non-positive n returns all of them.
func (b Breakdown) Top(n int) []KindCount {
	if n <= 0 || n >= len(b) {
		return append([]KindCount{}, b...)
	}
	return append([]KindCount{}, b[:n]...)
}

// Move returns a copy of b where one reaction moved from kind from to kind to.
// Either side may be NoReaction: a move from NoReaction adds a reaction,
// a move to NoReaction removes one.
func (b Breakdown) Move(from, to ReactionKind) Breakdown {
	counts := append([]KindCount{}, b...)
	if !from.IsAbsent() {
		counts = append(counts, KindCount{Kind: from, Count: -1})
	}
	if !to.IsAbsent() {
		counts = append(counts, KindCount{Kind: to, Count: 1})
	}
	return NewBreakdown(counts)
}

func (b Breakdown) Aggregate(itemID string, topN int) Aggregate {
	return Aggregate{
		ItemID: itemID,
		Top:    b.Top(topN),
		Total:  b.Total(),
	}
}

// Aggregate is the reaction summary of one item shown next to the content.
type Aggregate struct {
	ItemID string      `json:"item_id"`
	Top    []KindCount `json:"top"`
	Total  int         `json:"total"`
}

// EmptyAggregate is what a viewer sees when the counts could not be loaded.
func EmptyAggregate(itemID string) Aggregate {
	return Aggregate{ItemID: itemID, Top: []KindCount{}}
}
