package monitor

// State is the logical connection state to the target peripheral.
// Exactly one Monitor exists per process and exactly one state is
// active at a time.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateAttached
	StateAttributesDiscovered
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateAttributesDiscovered:
		return "attributes_discovered"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// linkActive reports whether a connection attempt or an established link
// is in progress. Scanning and an active link attempt are mutually
// exclusive, so the discovery driver refuses to start in these states.
func (s State) linkActive() bool {
	return s >= StateConnecting && s <= StateSubscribed
}
