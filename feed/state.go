package feed

// ConnState is the connection lifecycle state of the manager.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateAuthorizing
	StateConnecting
	StateOpen
	StateClosing
	StateHalted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthorizing:
		return "authorizing"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}
