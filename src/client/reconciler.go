package client

import (
	"sync"

	"github.com/orchestra-mcp/roomcast/src/types"
)

// MessageRecord is the locally known state of one message.
type MessageRecord struct {
	MessageID string
	Room      types.RoomKey
	Present   bool
	Content   string
}

// Reconciler applies deletion and edit events to the local message view.
// A message is removed at most once no matter how many deletion signals
// arrive for it, whether from the socket, the REST response or both.
type Reconciler struct {
	mu       sync.Mutex
	messages map[string]*MessageRecord
	onRemove func(MessageRecord)
	onEdit   func(MessageRecord)
}

// NewReconciler creates a reconciler. onRemove, when non-nil, is called once
// per removed message.
func NewReconciler(onRemove func(MessageRecord)) *Reconciler {
	return &Reconciler{
		messages: make(map[string]*MessageRecord),
		onRemove: onRemove,
	}
}

// OnRemove replaces the removal callback.
func (r *Reconciler) OnRemove(fn func(MessageRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// OnEdit sets the callback for applied edits.
func (r *Reconciler) OnEdit(fn func(MessageRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEdit = fn
}

// Track adds a message to the local view. A message already known, including
// one already removed, is left untouched.
func (r *Reconciler) Track(room types.RoomKey, messageID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[messageID]; ok {
		return
	}
	r.messages[messageID] = &MessageRecord{
		MessageID: messageID,
		Room:      room,
		Present:   true,
		Content:   content,
	}
}

// ApplyDeletion removes messageID from the view. It reports whether this
// call performed the removal; repeats and unknown ids are no-ops.
func (r *Reconciler) ApplyDeletion(messageID string) bool {
	r.mu.Lock()
	rec, ok := r.messages[messageID]
	if !ok || !rec.Present {
		r.mu.Unlock()
		return false
	}
	rec.Present = false
	snapshot := *rec
	cb := r.onRemove
	r.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
	return true
}

// ApplyEdit replaces the content of a present message.
func (r *Reconciler) ApplyEdit(messageID, content string) bool {
	r.mu.Lock()
	rec, ok := r.messages[messageID]
	if !ok || !rec.Present {
		r.mu.Unlock()
		return false
	}
	rec.Content = content
	snapshot := *rec
	cb := r.onEdit
	r.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
	return true
}

// Present reports whether messageID is currently shown.
func (r *Reconciler) Present(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.messages[messageID]
	return ok && rec.Present
}

// Get returns the record for messageID.
func (r *Reconciler) Get(messageID string) (MessageRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.messages[messageID]
	if !ok {
		return MessageRecord{}, false
	}
	return *rec, true
}

// Forget drops every record belonging to room, typically when the user
// navigates away from it.
func (r *Reconciler) Forget(room types.RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.messages {
		if rec.Room == room {
			delete(r.messages, id)
		}
	}
}
