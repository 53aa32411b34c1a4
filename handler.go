package dynlistener

// Outcome is what a protocol handler reports after consuming bytes.
type Outcome int

const (
	NeedMoreData Outcome = iota
	UnitComplete
	ProtocolError
)

func (o Outcome) String() string {
	switch o {
	case NeedMoreData:
		return "NeedMoreData"
	case UnitComplete:
		return "UnitComplete"
	case ProtocolError:
		return "ProtocolError"
	}
	return "Unknown"
}

// ProtocolHandler interprets the bytes of one connection. Calls for one
// connection never overlap.
type ProtocolHandler interface {
	// Open is called once, after the transport handshake.
	Open(conn *Connection) error
	// Consume gets every chunk read from the connection in order. data is
	// only valid during the call.
	Consume(conn *Connection, data []byte) (Outcome, error)
	// Close is called once when the connection goes away.
	Close(conn *Connection)
}

// HandlerFactory creates the handler of a new connection.
type HandlerFactory func() ProtocolHandler
