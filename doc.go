// Package engagement keeps reactions and comments of a campus community app in sync
// between viewers.
//
// Every content item (a post, a feed entry or a comment) carries an aggregate of
// reactions and, for posts and feed entries, an ordered list of comments.
// Clients hold a local projection of that state, mutate it optimistically and
// reconcile it with the store whenever a change notification for the item arrives.
//
// The store and the change feed live in subpackages: store/sqlstore keeps the rows,
// realtime carries change notifications over watermill Pub/Subs, reaction and comment
// implement the client side of the pattern and httpapi exposes it over HTTP.
package engagement
