package client

import (
	"encoding/json"
	"sync"

	"github.com/orchestra-mcp/roomcast/src/types"
)

// Policy decides what happens to events for a room that is not active.
type Policy int

const (
	// Discard drops events for inactive rooms.
	Discard Policy = iota
	// Queue buffers them per room until the room becomes active.
	Queue
)

// EventHandler processes a room event.
type EventHandler func(types.Event)

// ErrorHandler processes an error frame from the server.
type ErrorHandler func(*types.Error)

// Dispatcher routes inbound room events to the handlers of the active room.
// Handlers run without internal locks held, so they may call back into the
// dispatcher.
type Dispatcher struct {
	mu       sync.Mutex
	policy   Policy
	limit    int
	active   types.RoomKey
	handlers map[types.EventType][]EventHandler
	onError  []ErrorHandler
	queued   map[types.RoomKey][]types.Event
}

// NewDispatcher creates a dispatcher. limit caps each room's queue under
// Policy Queue; zero means unbounded.
func NewDispatcher(policy Policy, limit int) *Dispatcher {
	return &Dispatcher{
		policy:   policy,
		limit:    limit,
		handlers: make(map[types.EventType][]EventHandler),
		queued:   make(map[types.RoomKey][]types.Event),
	}
}

// OnEvent registers a handler for one event type.
func (d *Dispatcher) OnEvent(t types.EventType, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = append(d.handlers[t], h)
}

// OnError registers a handler for error frames.
func (d *Dispatcher) OnError(h ErrorHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = append(d.onError, h)
}

// ActiveRoom returns the room currently in focus.
func (d *Dispatcher) ActiveRoom() (types.RoomKey, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active, !d.active.IsZero()
}

// SetActiveRoom focuses key. Under Policy Queue any events buffered for key
// are dispatched in arrival order before SetActiveRoom returns.
func (d *Dispatcher) SetActiveRoom(key types.RoomKey) {
	d.mu.Lock()
	d.active = key
	backlog := d.queued[key]
	delete(d.queued, key)
	d.mu.Unlock()

	for _, ev := range backlog {
		d.Dispatch(ev)
	}
}

// ClearActiveRoom drops focus; subsequent events follow the policy.
func (d *Dispatcher) ClearActiveRoom() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = types.RoomKey{}
}

// Drop discards anything queued for key.
func (d *Dispatcher) Drop(key types.RoomKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queued, key)
}

// Queued returns the number of events buffered for key.
func (d *Dispatcher) Queued(key types.RoomKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued[key])
}

// Dispatch delivers ev to its handlers when ev's room is active and reports
// whether it did. Events for other rooms are dropped or queued.
func (d *Dispatcher) Dispatch(ev types.Event) bool {
	d.mu.Lock()
	if ev.Room != d.active || d.active.IsZero() {
		if d.policy == Queue {
			q := append(d.queued[ev.Room], ev)
			if d.limit > 0 && len(q) > d.limit {
				q = q[len(q)-d.limit:]
			}
			d.queued[ev.Room] = q
		}
		d.mu.Unlock()
		return false
	}
	handlers := append([]EventHandler(nil), d.handlers[ev.Type]...)
	d.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return true
}

// DispatchBatch dispatches events in order and returns how many were
// delivered.
func (d *Dispatcher) DispatchBatch(events []types.Event) int {
	n := 0
	for _, ev := range events {
		if d.Dispatch(ev) {
			n++
		}
	}
	return n
}

// HandleFrame routes a raw frame. Error frames go to the error handlers,
// room events are decoded and dispatched, control frames are ignored.
func (d *Dispatcher) HandleFrame(f types.Frame) {
	if f.Event == types.FrameError {
		var pe types.Error
		if err := decode(f, &pe); err != nil {
			pe = types.Error{Code: types.CodeInternal, Message: err.Error()}
		}
		d.mu.Lock()
		handlers := append([]ErrorHandler(nil), d.onError...)
		d.mu.Unlock()
		for _, h := range handlers {
			h(&pe)
		}
		return
	}
	if _, ok := types.Lookup(types.EventType(f.Event)); !ok {
		return
	}
	ev, err := types.DecodeEvent(f)
	if err != nil {
		return
	}
	d.Dispatch(ev)
}

func decode(f types.Frame, v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}
