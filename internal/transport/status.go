package transport

// Status is the lifecycle state of a Session's connection.
type Status int32

const (
	StatusDisconnected    Status = iota // no connection, supervisor idle or waiting to retry
	StatusConnecting                    // dialing
	StatusConnected                     // live connection
	StatusReconnectFailed               // retry budget exhausted; waits for Reconnect
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}
