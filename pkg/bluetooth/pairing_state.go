package bluetooth

import "time"

// ConnectionState represents where the peripheral is in its advertise/pair/connect cycle
type ConnectionState string

const (
	// StateIdle - not advertising, no connection (before StartAdvertising or after StopAdvertising)
	StateIdle ConnectionState = "IDLE"
	// StateAdvertising - discoverable, waiting for a central
	StateAdvertising ConnectionState = "ADVERTISING"
	// StatePairing - link is up, security handshake in progress
	StatePairing ConnectionState = "PAIRING"
	// StateConnected - pairing completed on the active link
	StateConnected ConnectionState = "CONNECTED"
)

// StateChange is published to the observer on every transition
type StateChange struct {
	From         ConnectionState `json:"from"`
	To           ConnectionState `json:"to"`
	ConnectionID string          `json:"connection,omitempty"`
	Time         time.Time       `json:"time"`
}
