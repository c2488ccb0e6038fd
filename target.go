package engagement

import (
	"github.com/pkg/errors"
)

// Target is the kind of content item a reaction or a comment is attached to.
type Target string

const (
	TargetPost    Target = "post"
	TargetFeed    Target = "feed"
	TargetComment Target = "comment"
)

var ErrUnknownTarget = errors.New("unknown target")

// Targets lists every target that can carry reactions.
var Targets = []Target{TargetPost, TargetFeed, TargetComment}

func ParseTarget(s string) (Target, error) {
	t := Target(s)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func (t Target) Validate() error {
	switch t {
	case TargetPost, TargetFeed, TargetComment:
		return nil
	}
	return errors.Wrapf(ErrUnknownTarget, "%q", string(t))
}

// ReactionTable returns the name of the table keeping reactions of the target.
// Change notifications of reactions are published to a topic of the same name.
func (t Target) ReactionTable() string {
	return string(t) + "_reactions"
}

// Commentable reports if items of the target can carry comments.
func (t Target) Commentable() bool {
	return t == TargetPost || t == TargetFeed
}

func (t Target) String() string {
	return string(t)
}
