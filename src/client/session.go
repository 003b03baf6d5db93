package client

import (
	"context"
	"sync"

	"github.com/orchestra-mcp/roomcast/src/types"
	"github.com/rs/zerolog"
)

// Session is the application-level context of one signed-in user: the
// connection, the dispatcher and the local message view. Create it once at
// startup and pass it to whatever needs to talk to the broker.
type Session struct {
	Manager    *Manager
	Dispatcher *Dispatcher
	Messages   *Reconciler

	api    MessageAPI
	logger zerolog.Logger

	mu   sync.Mutex
	room types.RoomKey
}

// NewSession wires a manager, dispatcher and reconciler together. api may be
// nil when the session never mutates messages itself.
func NewSession(cfg Config, api MessageAPI, logger zerolog.Logger) *Session {
	s := &Session{
		Manager:    NewManager(cfg, logger),
		Dispatcher: NewDispatcher(cfg.Policy, cfg.QueueLimit),
		api:        api,
		logger:     logger.With().Str("component", "session").Logger(),
	}
	s.Messages = NewReconciler(nil)

	s.Manager.OnFrame(s.Dispatcher.HandleFrame)
	s.Manager.OnReconnected(s.rejoin)
	s.Dispatcher.OnEvent(types.EventMessageDeleted, func(ev types.Event) {
		s.Messages.ApplyDeletion(ev.MessageID())
	})
	s.Dispatcher.OnEvent(types.EventMessageEdited, func(ev types.Event) {
		if p, ok := ev.Payload.(*types.MessageEdited); ok {
			s.Messages.ApplyEdit(p.MessageID, p.Content)
		}
	})
	s.Dispatcher.OnError(func(e *types.Error) {
		s.logger.Warn().Str("code", e.Code).Str("event", e.Event).Msg(e.Message)
	})
	return s
}

// Connect opens the connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.Manager.Connect(ctx)
}

// Close leaves the active room and disconnects.
func (s *Session) Close() error {
	s.mu.Lock()
	s.room = types.RoomKey{}
	s.mu.Unlock()
	s.Dispatcher.ClearActiveRoom()
	return s.Manager.Disconnect()
}

// ActiveRoom returns the room the session is viewing.
func (s *Session) ActiveRoom() (types.RoomKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, !s.room.IsZero()
}

// OpenRoom switches the session to key: the previous room is left and its
// local state dropped, then key becomes active and is joined. Events for key
// arriving after the ack are dispatched.
func (s *Session) OpenRoom(ctx context.Context, key types.RoomKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.room
	s.room = key
	s.mu.Unlock()

	if !prev.IsZero() && prev != key {
		if err := s.Manager.Leave(prev); err != nil {
			s.logger.Debug().Err(err).Str("room", prev.String()).Msg("leave failed")
		}
		s.Messages.Forget(prev)
		s.Dispatcher.Drop(prev)
	}
	s.Dispatcher.SetActiveRoom(key)
	return s.Manager.Join(ctx, key)
}

// CloseRoom leaves the active room.
func (s *Session) CloseRoom() error {
	s.mu.Lock()
	prev := s.room
	s.room = types.RoomKey{}
	s.mu.Unlock()
	if prev.IsZero() {
		return nil
	}
	s.Dispatcher.ClearActiveRoom()
	s.Messages.Forget(prev)
	s.Dispatcher.Drop(prev)
	return s.Manager.Leave(prev)
}

// Emit publishes an ephemeral event such as typing or a reaction.
func (s *Session) Emit(ev types.Event) error {
	return s.Manager.Emit(ev)
}

// DeleteMessage deletes a message through the REST API, removes it locally
// and notifies the room. The socket notification is best effort; other
// viewers still converge on their next fetch.
func (s *Session) DeleteMessage(ctx context.Context, room types.RoomKey, messageID string) error {
	if s.api != nil {
		if err := s.api.DeleteMessage(ctx, messageID); err != nil {
			return err
		}
	}
	s.Messages.ApplyDeletion(messageID)

	err := s.Manager.Emit(types.Event{
		Type:    types.EventMessageDeleted,
		Room:    room,
		Payload: &types.MessageDeleted{MessageID: messageID},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("deletion not broadcast")
	}
	return nil
}

// rejoin restores the active room after a reconnect; the server forgets
// subscriptions with the old connection.
func (s *Session) rejoin() {
	key, ok := s.ActiveRoom()
	if !ok {
		return
	}
	ctx := context.Background()
	if err := s.Manager.Join(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("room", key.String()).Msg("rejoin failed")
		return
	}
	s.logger.Info().Str("room", key.String()).Msg("rejoined")
}
