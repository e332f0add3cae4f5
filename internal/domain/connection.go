package domain

import "time"

// State is a connection supervisor state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StateFailed       State = "failed" // terminal; needs an operator restart
)

// ConnectionState is the observable state of one adapter's platform connection.
type ConnectionState struct {
	AdapterID string    `json:"adapter_id"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Terminal reports whether no further automatic transition will happen.
func (s ConnectionState) Terminal() bool { return s.State == StateFailed }
