package tcpserver

// TCPServerSession owns one accepted connection. The server runs Handle on
// its own goroutine and removes the session once Handle returns; Stop calls
// Close on every session still registered.
type TCPServerSession interface {
	// ID returns the identifier the server assigned at accept time. Game
	// connections use it as their connection ID.
	ID() uint32

	// Handle serves the connection until it is closed by either side.
	Handle()

	// Close shuts the connection down. Repeated calls return nil.
	Close() error

	// Send writes one length-prefixed frame carrying data. It is safe for
	// concurrent use.
	//
	// Parameters:
	//   - data: Frame payload
	//
	// Returns:
	//   - An error if the write failed or timed out
	Send(data []byte) error
}
