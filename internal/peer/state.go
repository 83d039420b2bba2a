package peer

import "fmt"

// A ConnState is one stage of a peer connection's lifecycle:
//
//	Discovering → Handshaking → Syncing → Steady
//	     ↑                                  │
//	     └── Reconnecting ← (Disconnected | Partitioned)
//
// Reconnecting re-enters the cycle at Discovering; the state-vector
// handshake makes resumption after any interruption just another sync.
type ConnState int32

// Connection states.
const (
	StateDiscovering ConnState = iota // resolving / dialing
	StateHandshaking                  // vectors in flight
	StateSyncing                      // streaming the handshake diff
	StateSteady                       // live delta exchange
	StateDisconnected                 // link dropped
	StatePartitioned                  // link up but silent past the deadline
	StateReconnecting                 // backing off before redial
)

var connStateString = [...]string{
	StateDiscovering:  "discovering",
	StateHandshaking:  "handshaking",
	StateSyncing:      "syncing",
	StateSteady:       "steady",
	StateDisconnected: "disconnected",
	StatePartitioned:  "partitioned",
	StateReconnecting: "reconnecting",
}

// String implements fmt.Stringer.
func (s ConnState) String() string {
	if is := int(s); is >= 0 && is < len(connStateString) {
		return connStateString[is]
	}
	return fmt.Sprintf("ConnState<%d>", s)
}
