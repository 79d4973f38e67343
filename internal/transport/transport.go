// Package transport defines the northbound client transports the mapper
// serves BiDi frames on. The concrete WebSocket server lives outside the
// engine; it hands accepted connections to the mapper through the Client
// interface.
package transport

// Client is one connected BiDi client. Implemented by the WebSocket
// connection glue and the local pipe transport.
type Client interface {
	// ID returns a process-unique client id.
	ID() uint64
	// Send delivers one serialized BiDi frame to the client.
	Send(msg string) error
	// Close tears the connection down.
	Close() error
}

// Handler receives transport lifecycle callbacks. Implemented by the mapper.
type Handler interface {
	OnClientConnect(Client)
	OnClientMessage(Client, string)
	OnClientDisconnect(Client)
}
