package realtime

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/campuslink/engagement"
)

// Metadata keys set on every change message.
// Subscribers can filter on them without unmarshaling the payload.
const (
	MetadataTable      = "table"
	MetadataItemID     = "item_id"
	MetadataChangeType = "change_type"
	MetadataOrigin     = "origin"
)

// NewMessage marshals ev to a watermill message.
func NewMessage(ev engagement.ChangeEvent) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal change event")
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set(MetadataTable, ev.Table)
	msg.Metadata.Set(MetadataItemID, ev.ItemID)
	msg.Metadata.Set(MetadataChangeType, string(ev.Type))
	if ev.Origin != "" {
		msg.Metadata.Set(MetadataOrigin, ev.Origin)
	}

	return msg, nil
}

// EventFromMessage unmarshals a message created with NewMessage.
func EventFromMessage(msg *message.Message) (engagement.ChangeEvent, error) {
	var ev engagement.ChangeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return engagement.ChangeEvent{}, errors.Wrapf(err, "cannot unmarshal change event %s", msg.UUID)
	}
	return ev, nil
}
