// Package domain defines the core domain models shared by the conversation client.
package domain

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleInitiator   Role = "initiator"
	RoleCounterpart Role = "counterpart"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleCounterpart
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleCounterpart
	}
	return RoleInitiator
}

// ConnectionState represents the lifecycle state of a socket channel.
type ConnectionState string

const (
	ConnectionIdle         ConnectionState = "IDLE"
	ConnectionConnecting   ConnectionState = "CONNECTING"
	ConnectionOpen         ConnectionState = "OPEN"
	ConnectionReconnecting ConnectionState = "RECONNECTING"
	ConnectionClosed       ConnectionState = "CLOSED"
	ConnectionErrored      ConnectionState = "ERRORED"
)

// Terminal reports whether no further transitions happen without a new channel.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionClosed
}
