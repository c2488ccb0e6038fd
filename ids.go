package engagement

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"github.com/oklog/ulid"
)

// NewEventID returns a new UUID Version 4 used to identify change notifications.
func NewEventID() string {
	return uuid.New().String()
}

// NewSessionID returns a new short UUID identifying one client session.
func NewSessionID() string {
	return shortuuid.New()
}

// NewCommentID returns a new ULID. Comment ids sort by creation time.
func NewCommentID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
