package service

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/orchestra-mcp/roomcast/src/hub"
	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/rs/zerolog"
)

// RoomInfo describes one live room.
type RoomInfo struct {
	RoomType    types.RoomType `json:"room_type"`
	RoomID      string         `json:"room_id"`
	Subscribers int            `json:"subscribers"`
}

// Service provides the high-level broker API used by HTTP routes and
// embedding code.
type Service struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// New creates a new broker service backed by the given hub.
func New(h *hub.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger.With().Str("component", "service").Logger()}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Publish fans a server-originated event out to the room's subscribers.
// Call it only after the mutation it announces has been committed.
func (s *Service) Publish(ev types.Event) error {
	if err := s.hub.Publish("", ev); err != nil {
		s.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("publish rejected")
		return err
	}
	return nil
}

// PublishRaw decodes a flat JSON body for the named event type and publishes
// it to room. Routing fields in the body are overridden by room.
func (s *Service) PublishRaw(room types.RoomKey, event string, body []byte) error {
	if len(body) == 0 {
		body = []byte("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return types.NewError(types.CodeBadRequest, "body must be a JSON object")
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["target_type"], _ = json.Marshal(room.Type)
	fields["target_id"], _ = json.Marshal(room.ID)
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	ev, err := types.DecodeEvent(types.Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	ev.SenderID = ""
	return s.Publish(ev)
}

// Join subscribes a connected client to a room.
func (s *Service) Join(room types.RoomKey, clientID string) error {
	if err := room.Validate(); err != nil {
		return types.NewError(types.CodeInvalidRoom, err.Error())
	}
	if ok := s.hub.Join(clientID, room); !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("room", room.String()).
		Msg("joined")
	return nil
}

// Leave removes a client from a room.
func (s *Service) Leave(room types.RoomKey, clientID string) error {
	if ok := s.hub.Leave(clientID, room); !ok {
		return fmt.Errorf("room %s or client %s not found", room, clientID)
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("room", room.String()).
		Msg("left")
	return nil
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	ids := s.hub.ConnectedClients()
	sort.Strings(ids)
	return ids
}

// GetRooms returns live rooms with subscriber counts, ordered by key.
func (s *Service) GetRooms() []RoomInfo {
	rooms := s.hub.Rooms()
	out := make([]RoomInfo, 0, len(rooms))
	for k, n := range rooms {
		out = append(out, RoomInfo{RoomType: k.Type, RoomID: k.ID, Subscribers: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomType != out[j].RoomType {
			return out[i].RoomType < out[j].RoomType
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// GetSubscribers returns the connections subscribed to room.
func (s *Service) GetSubscribers(room types.RoomKey) []string {
	return s.hub.Subscribers(room)
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return info, nil
}

// Disconnect closes a client's connection.
func (s *Service) Disconnect(clientID string) error {
	if !s.hub.Disconnect(clientID) {
		return fmt.Errorf("client %s not found", clientID)
	}
	s.logger.Info().Str("client_id", clientID).Msg("disconnected by server")
	return nil
}
