// Package httpapi exposes reactions and comments over HTTP,
// with a server-sent events stream of reaction changes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/comment"
	"github.com/campuslink/engagement/reaction"
	"github.com/campuslink/engagement/store"
)

const (
	HeaderViewerID     = "X-Viewer-ID"
	HeaderViewerName   = "X-Viewer-Name"
	HeaderViewerAvatar = "X-Viewer-Avatar"
	HeaderSessionID    = "X-Session-ID"
)

type Config struct {
	Store store.Backend

	// Subscriber feeds the reaction streams.
	Subscriber message.Subscriber

	TopN          int
	AllowedKinds  []engagement.ReactionKind
	MaxBodyLength int
	RemoteTimeout time.Duration

	Fetcher *reaction.Fetcher

	// Metrics is served on /metrics when set.
	Metrics http.Handler

	// Ping is called by /healthz.
	Ping func(ctx context.Context) error
}

func (c *Config) setDefaults() {
	if c.TopN == 0 {
		c.TopN = engagement.DefaultTopN
	}
	if len(c.AllowedKinds) == 0 {
		c.AllowedKinds = engagement.DefaultReactionKinds
	}
	if c.MaxBodyLength == 0 {
		c.MaxBodyLength = comment.DefaultMaxBodyLength
	}
}

func (c Config) validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Subscriber == nil {
		return errors.New("subscriber is required")
	}
	return nil
}

type Server struct {
	config    Config
	fetcher   *reaction.Fetcher
	sseRouter watermillhttp.SSERouter
	router    chi.Router
	logger    watermill.LoggerAdapter
}

func NewServer(config Config, logger watermill.LoggerAdapter) (*Server, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid http config")
	}

	if logger == nil {
		logger = watermill.NopLogger{}
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = reaction.NewFetcher(config.Store, reaction.FetcherConfig{
			TopN:          config.TopN,
			RemoteTimeout: config.RemoteTimeout,
		}, logger)
	}

	sseRouter, err := watermillhttp.NewSSERouter(
		watermillhttp.SSERouterConfig{
			UpstreamSubscriber: config.Subscriber,
			Marshaler:          watermillhttp.JSONSSEMarshaler{},
		},
		logger,
	)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create SSE router")
	}

	s := &Server{
		config:    config,
		fetcher:   fetcher,
		sseRouter: sseRouter,
		logger:    logger,
	}
	s.router = s.routes()

	return s, nil
}

func (s *Server) routes() chi.Router {
	streams := map[engagement.Target]http.HandlerFunc{}
	for _, target := range engagement.Targets {
		streams[target] = s.sseRouter.AddHandler(target.ReactionTable(), reactionStream{
			target:  target,
			fetcher: s.fetcher,
			logger:  s.logger,
		})
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics)
	}

	r.Route("/{target}/{itemID}", func(r chi.Router) {
		r.Use(s.targetCtx)

		r.Get("/reactions", s.getReactions)
		r.Put("/reactions", s.putReaction)
		r.Delete("/reactions", s.deleteReaction)
		r.Get("/reactions/stream", func(w http.ResponseWriter, r *http.Request) {
			streams[targetFromContext(r.Context())](w, r)
		})

		r.Get("/comments", s.listComments)
		r.Post("/comments", s.postComment)
	})

	r.Delete("/comments/{commentID}", s.deleteComment)

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// RunStreams delivers reaction changes to the open streams until ctx is done.
func (s *Server) RunStreams(ctx context.Context) error {
	return s.sseRouter.Run(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.config.Ping != nil {
		if err := s.config.Ping(r.Context()); err != nil {
			s.respondError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request", watermill.LogFields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration":    time.Since(start).String(),
			"request_id":  middleware.GetReqID(r.Context()),
			"viewer_id":   r.Header.Get(HeaderViewerID),
			"remote_addr": r.RemoteAddr,
		})
	})
}
