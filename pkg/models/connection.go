package models

// ConnectionStatus is the connectivity flag surfaced for a realtime channel.
type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusDegraded     ConnectionStatus = "degraded"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// Usable reports whether outbound sends can be attempted.
func (s ConnectionStatus) Usable() bool {
	return s == ConnectionStatusConnected
}
