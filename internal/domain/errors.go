package domain

import "errors"

var (
	// ErrUnreachable is returned when no response was received from the backend.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrUnauthorized is matched by any 401 response error.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoRefreshToken is returned when a refresh is needed but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrSessionInvalid is returned to every caller waiting on a failed refresh.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrNotFound is returned when a looked-up resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotConnected is returned by outbound socket operations while the channel is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrChannelClosed is returned by operations on a closed channel or session.
	ErrChannelClosed = errors.New("channel closed")
)
