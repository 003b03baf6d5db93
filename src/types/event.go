package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType names a room-scoped event. The set is closed; see Lookup.
type EventType string

const (
	EventMessageDeleted  EventType = "message-deleted"
	EventMessageEdited   EventType = "message-edited"
	EventReactionAdded   EventType = "reaction-added"
	EventReactionRemoved EventType = "reaction-removed"
	EventTypingStart     EventType = "typing-start"
	EventTypingStop      EventType = "typing-stop"
	EventVoiceState      EventType = "voice-state"
)

// Payload is the type-specific body of an event.
type Payload interface {
	Validate() error
}

// Descriptor describes one event type.
type Descriptor struct {
	Type EventType
	// Echo delivers the event back to its sender as a confirmation.
	Echo       bool
	NewPayload func() Payload
}

var descriptors = map[EventType]Descriptor{
	EventMessageDeleted:  {Type: EventMessageDeleted, NewPayload: func() Payload { return &MessageDeleted{} }},
	EventMessageEdited:   {Type: EventMessageEdited, NewPayload: func() Payload { return &MessageEdited{} }},
	EventReactionAdded:   {Type: EventReactionAdded, NewPayload: func() Payload { return &Reaction{} }},
	EventReactionRemoved: {Type: EventReactionRemoved, NewPayload: func() Payload { return &Reaction{} }},
	EventTypingStart:     {Type: EventTypingStart, NewPayload: func() Payload { return &Typing{} }},
	EventTypingStop:      {Type: EventTypingStop, NewPayload: func() Payload { return &Typing{} }},
	EventVoiceState:      {Type: EventVoiceState, Echo: true, NewPayload: func() Payload { return &VoiceState{} }},
}

// Lookup returns the descriptor for t.
func Lookup(t EventType) (Descriptor, bool) {
	d, ok := descriptors[t]
	return d, ok
}

// EventTypes lists every known event type.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(descriptors))
	for t := range descriptors {
		out = append(out, t)
	}
	return out
}

// MessageDeleted announces that a message was removed.
type MessageDeleted struct {
	MessageID string `json:"message_id"`
}

func (p *MessageDeleted) Validate() error { return requireMessageID(p.MessageID) }

// MessageEdited carries the new content of a message.
type MessageEdited struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
}

func (p *MessageEdited) Validate() error { return requireMessageID(p.MessageID) }

// Reaction is the payload of reaction-added and reaction-removed.
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (p *Reaction) Validate() error {
	if err := requireMessageID(p.MessageID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Emoji) == "" {
		return errors.New("emoji is required")
	}
	return nil
}

// Typing has no body; the sender identity is the whole message.
type Typing struct{}

func (p *Typing) Validate() error { return nil }

// Voice states.
const (
	VoiceJoined  = "joined"
	VoiceLeft    = "left"
	VoiceMuted   = "muted"
	VoiceUnmuted = "unmuted"
)

// VoiceState reports a participant's voice presence in a room.
type VoiceState struct {
	State string `json:"state"`
}

func (p *VoiceState) Validate() error {
	switch p.State {
	case VoiceJoined, VoiceLeft, VoiceMuted, VoiceUnmuted:
		return nil
	}
	return fmt.Errorf("invalid voice state %q", p.State)
}

func requireMessageID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("message_id is required")
	}
	return nil
}

// Event is a routed room event. Everything needed to route it is in Room.
type Event struct {
	Type         EventType
	Room         RoomKey
	SenderID     string
	SenderUserID string
	SenderName   string
	Payload      Payload
	EmittedAt    time.Time
}

// Validate checks type, room and payload.
func (e Event) Validate() error {
	d, ok := Lookup(e.Type)
	if !ok {
		return &Error{Code: CodeUnknownEvent, Message: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if err := e.Room.Validate(); err != nil {
		return &Error{Code: CodeInvalidRoom, Message: err.Error()}
	}
	if e.Payload == nil {
		e.Payload = d.NewPayload()
	}
	if err := e.Payload.Validate(); err != nil {
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	}
	return nil
}

// Echo reports whether the event is delivered back to its sender.
func (e Event) Echo() bool {
	d, ok := Lookup(e.Type)
	return ok && d.Echo
}

// MessageID returns the id of the message the event refers to, if any.
func (e Event) MessageID() string {
	switch p := e.Payload.(type) {
	case *MessageDeleted:
		return p.MessageID
	case *MessageEdited:
		return p.MessageID
	case *Reaction:
		return p.MessageID
	}
	return ""
}
