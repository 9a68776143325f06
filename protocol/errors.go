package protocol

import "errors"

var (
	// ErrProtocolViolation covers missing, unexpected or malformed packets
	// and invalid addresses during the handshake.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAuthenticationFailed is returned when the auth chain does not prove
	// ownership of the identified address.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTransport is returned when the connection fails or closes while the
	// handshake is in progress.
	ErrTransport = errors.New("transport failure")
)
