package bridge

import "github.com/orchestra-mcp/roomcast/src/types"

// Bridge defines the interface for cross-instance event fan-out.
// Implementations relay room events between multiple server instances so
// that a publish on any node reaches subscribers connected to every node.
type Bridge interface {
	// Publish sends an event to all other instances via the bridge.
	Publish(ev types.Event) error

	// Start begins listening for events from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the Hub to receive events from the bridge.
type BroadcastTarget interface {
	BroadcastToLocal(ev types.Event)
}
