package events

import "context"

// Transport abstracts the message service client used for remote publication.
// The default implementation speaks websocket; tests substitute fakes.
type Transport interface {
	// Connect establishes one live connection to the message service.
	Connect(ctx context.Context, info ConnectionInfo) (Conn, error)
}

// Conn is a single live connection to the message service.
type Conn interface {
	// Publish sends an encoded event frame on the channel.
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe occupies the service-level subscription for the channel and
	// invokes onMessage for every inbound event frame until the connection
	// closes. At most one Subscribe call is made per connection.
	Subscribe(ctx context.Context, channel string, onMessage func(data []byte)) error
	// Close releases the connection and any service-level subscription.
	Close() error
}
