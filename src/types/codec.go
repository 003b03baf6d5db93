package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// eventHeader holds the routing and sender fields shared by every event.
// Payload fields sit next to these in the same flat JSON object.
type eventHeader struct {
	TargetType RoomType   `json:"target_type"`
	TargetID   RoomID     `json:"target_id"`
	UserID     string     `json:"user_id,omitempty"`
	Username   string     `json:"username,omitempty"`
	SenderID   string     `json:"sender_id,omitempty"`
	EmittedAt  *time.Time `json:"emitted_at,omitempty"`
}

// EncodeEvent renders an event as a frame named after its type.
func EncodeEvent(e Event) (Frame, error) {
	h := eventHeader{
		TargetType: e.Room.Type,
		TargetID:   RoomID(e.Room.ID),
		UserID:     e.SenderUserID,
		Username:   e.SenderName,
		SenderID:   e.SenderID,
	}
	if !e.EmittedAt.IsZero() {
		ts := e.EmittedAt
		h.EmittedAt = &ts
	}

	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return Frame{}, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Frame{}, fmt.Errorf("payload must encode as an object: %w", err)
		}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return Frame{}, err
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return Frame{}, err
	}
	for k, v := range head {
		fields[k] = v
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return Frame{}, err
	}
	room := e.Room
	return Frame{Event: string(e.Type), Data: data, Room: &room}, nil
}

// DecodeEvent parses a frame into a typed event. Unknown types and
// undecodable payloads come back as *Error; routing and payload validation
// is left to Event.Validate.
func DecodeEvent(f Frame) (Event, error) {
	t := EventType(f.Event)
	d, ok := Lookup(t)
	if !ok {
		return Event{}, &Error{Code: CodeUnknownEvent, Message: fmt.Sprintf("unknown event type %q", f.Event), Event: f.Event}
	}
	data := f.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	var h eventHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return Event{}, &Error{Code: CodeBadRequest, Message: err.Error(), Event: f.Event}
	}
	p := d.NewPayload()
	if err := json.Unmarshal(data, p); err != nil {
		return Event{}, &Error{Code: CodeBadRequest, Message: err.Error(), Event: f.Event}
	}

	e := Event{
		Type:         t,
		Room:         RoomKey{Type: h.TargetType, ID: string(h.TargetID)},
		SenderID:     h.SenderID,
		SenderUserID: h.UserID,
		SenderName:   h.Username,
		Payload:      p,
	}
	if h.EmittedAt != nil {
		e.EmittedAt = *h.EmittedAt
	}
	return e, nil
}
