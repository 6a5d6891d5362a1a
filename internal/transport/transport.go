//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_transport.go -package=mocks

// Package transport declares the outbound side of the connection layer as the
// presence, routing and lifecycle packages see it.
package transport

// Transport writes frames to live connections. Implementations must be safe
// for concurrent use and must not block on a connection that is going away.
type Transport interface {
	// SendMessage writes one frame to the connection identified by connID.
	SendMessage(connID string, data []byte) error
	// Broadcast writes one frame to every live connection. Per-connection
	// failures are handled by the implementation and never reported.
	Broadcast(data []byte)
}

// Sequenced is implemented by transports that can order one stream of
// broadcasts per connection. Frames carry a sequence number; a connection
// that already received a higher sequence skips the frame, so concurrent
// broadcasts of the same stream never leave a connection on an older frame.
type Sequenced interface {
	BroadcastSeq(seq uint64, data []byte)
}
