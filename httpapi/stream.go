package httpapi

import (
	"net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"

	"github.com/campuslink/engagement"
	"github.com/campuslink/engagement/reaction"
	"github.com/campuslink/engagement/realtime"
)

// reactionStream sends the reaction state of the requested item,
// then a fresh one after every change of that item.
type reactionStream struct {
	target  engagement.Target
	fetcher *reaction.Fetcher
	logger  watermill.LoggerAdapter
}

func (s reactionStream) InitialStreamResponse(w http.ResponseWriter, r *http.Request) (response interface{}, ok bool) {
	itemID := chi.URLParam(r, "itemID")
	if itemID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	return s.fetcher.Fetch(r.Context(), s.target, itemID, viewerFromRequest(r).ID), true
}

func (s reactionStream) NextStreamResponse(r *http.Request, msg *message.Message) (response interface{}, ok bool) {
	itemID := chi.URLParam(r, "itemID")
	if msg.Metadata.Get(realtime.MetadataItemID) != itemID {
		return nil, false
	}

	s.logger.Trace("Streaming reaction change", watermill.LogFields{
		"item_id":      itemID,
		"message_uuid": msg.UUID,
	})

	return s.fetcher.Fetch(r.Context(), s.target, itemID, viewerFromRequest(r).ID), true
}
