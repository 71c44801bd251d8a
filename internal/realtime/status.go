package realtime

import "time"

// ConnState is the session connection status.
type ConnState string

const (
	StateUnknown      ConnState = "UNKNOWN"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateDisconnected ConnState = "DISCONNECTED"
	StateError        ConnState = "ERROR"
)

// ConnectionState is the observable status of the session connection.
// Transitions are owned exclusively by the Manager; everything else reads.
type ConnectionState struct {
	State       ConnState `json:"state"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
}
