package httpapi

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/comment"
	"github.com/campuslink/engagement/reaction"
	"github.com/campuslink/engagement/store"
)

type targetKey struct{}

func targetFromContext(ctx context.Context) engagement.Target {
	target, _ := ctx.Value(targetKey{}).(engagement.Target)
	return target
}

func (s *Server) targetCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, err := engagement.ParseTarget(chi.URLParam(r, "target"))
		if err != nil {
			s.respondError(w, r, http.StatusNotFound, err)
			return
		}
		ctx := context.WithValue(r.Context(), targetKey{}, target)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewerFromRequest(r *http.Request) engagement.Viewer {
	return engagement.Viewer{
		ID:     strings.TrimSpace(r.Header.Get(HeaderViewerID)),
		Name:   r.Header.Get(HeaderViewerName),
		Avatar: r.Header.Get(HeaderViewerAvatar),
	}
}

// writeContext marks writes of the request with the client session, when it sent one.
func writeContext(r *http.Request) context.Context {
	if session := r.Header.Get(HeaderSessionID); session != "" {
		return engagement.WithOrigin(r.Context(), session)
	}
	return r.Context()
}

func (s *Server) getReactions(w http.ResponseWriter, r *http.Request) {
	snapshot := s.fetcher.Fetch(r.Context(), targetFromContext(r.Context()), chi.URLParam(r, "itemID"), viewerFromRequest(r).ID)
	render.JSON(w, r, snapshot)
}

type putReactionRequest struct {
	Kind engagement.ReactionKind `json:"kind"`
}

func (s *Server) putReaction(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromRequest(r)
	if viewer.Anonymous() {
		s.respondError(w, r, http.StatusUnauthorized, reaction.ErrAnonymousViewer)
		return
	}

	req := putReactionRequest{}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if err := engagement.ValidateKind(req.Kind, s.config.AllowedKinds); err != nil {
		s.respondError(w, r, http.StatusBadRequest, err)
		return
	}

	target := targetFromContext(r.Context())
	itemID := chi.URLParam(r, "itemID")

	err := store.Exec(writeContext(r), s.config.RemoteTimeout, func(ctx context.Context) error {
		return s.config.Store.UpsertReaction(ctx, target, itemID, viewer.ID, req.Kind)
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	render.JSON(w, r, s.fetcher.Fetch(r.Context(), target, itemID, viewer.ID))
}

func (s *Server) deleteReaction(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromRequest(r)
	if viewer.Anonymous() {
		s.respondError(w, r, http.StatusUnauthorized, reaction.ErrAnonymousViewer)
		return
	}

	target := targetFromContext(r.Context())
	itemID := chi.URLParam(r, "itemID")

	err := store.Exec(writeContext(r), s.config.RemoteTimeout, func(ctx context.Context) error {
		return s.config.Store.DeleteReaction(ctx, target, itemID, viewer.ID)
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	render.JSON(w, r, s.fetcher.Fetch(r.Context(), target, itemID, viewer.ID))
}

func (s *Server) commentable(w http.ResponseWriter, r *http.Request) bool {
	target := targetFromContext(r.Context())
	if !target.Commentable() {
		s.respondError(w, r, http.StatusBadRequest, errors.Errorf("%s items cannot be commented", target))
		return false
	}
	return true
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	if !s.commentable(w, r) {
		return
	}

	target := targetFromContext(r.Context())
	viewer := viewerFromRequest(r)

	comments, err := store.Query(r.Context(), s.config.RemoteTimeout, func(ctx context.Context) ([]engagement.Comment, error) {
		return s.config.Store.ListComments(ctx, target, chi.URLParam(r, "itemID"))
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	records := lo.Map(comments, func(c engagement.Comment, _ int) comment.Record {
		snapshot := s.fetcher.Fetch(r.Context(), engagement.TargetComment, c.ID, viewer.ID)
		return comment.Record{
			Comment:        c,
			Reactions:      snapshot.Aggregate,
			ViewerReaction: snapshot.Choice,
		}
	})

	render.JSON(w, r, records)
}

type postCommentRequest struct {
	Body string `json:"body"`
}

func (s *Server) postComment(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromRequest(r)
	if viewer.Anonymous() {
		s.respondError(w, r, http.StatusUnauthorized, comment.ErrAnonymousViewer)
		return
	}
	if !s.commentable(w, r) {
		return
	}

	req := postCommentRequest{}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	body := strings.TrimSpace(req.Body)
	if body == "" {
		s.respondError(w, r, http.StatusBadRequest, comment.ErrEmptyBody)
		return
	}
	if utf8.RuneCountInString(body) > s.config.MaxBodyLength {
		s.respondError(w, r, http.StatusBadRequest, comment.ErrBodyTooLong)
		return
	}

	stored, err := store.Query(writeContext(r), s.config.RemoteTimeout, func(ctx context.Context) (engagement.Comment, error) {
		return s.config.Store.InsertComment(ctx, engagement.Comment{
			Target:       targetFromContext(r.Context()),
			ItemID:       chi.URLParam(r, "itemID"),
			AuthorID:     viewer.ID,
			AuthorName:   viewer.Name,
			AuthorAvatar: viewer.Avatar,
			Body:         body,
		})
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, comment.Record{
		Comment:   stored,
		Reactions: engagement.EmptyAggregate(stored.ID),
	})
}

func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromRequest(r)
	if viewer.Anonymous() {
		s.respondError(w, r, http.StatusUnauthorized, comment.ErrAnonymousViewer)
		return
	}

	err := store.Exec(writeContext(r), s.config.RemoteTimeout, func(ctx context.Context) error {
		return s.config.Store.DeleteComment(ctx, chi.URLParam(r, "commentID"), viewer.ID)
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, err)
	case errors.Is(err, store.ErrNotAuthor):
		s.respondError(w, r, http.StatusForbidden, err)
	case errors.Is(err, store.ErrInvalidItem),
		errors.Is(err, engagement.ErrUnknownTarget),
		errors.Is(err, engagement.ErrUnknownKind):
		s.respondError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, r, http.StatusGatewayTimeout, err)
	default:
		s.respondError(w, r, http.StatusInternalServerError, err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, err error) {
	requestID := middleware.GetReqID(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", err, watermill.LogFields{
			"path":       r.URL.Path,
			"request_id": requestID,
		})
	}

	render.Status(r, status)
	render.JSON(w, r, errorResponse{
		Error:     err.Error(),
		RequestID: requestID,
	})
}
