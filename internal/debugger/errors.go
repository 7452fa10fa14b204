// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package debugger

import (
	"errors"
	"fmt"
)

var (
	// ErrBridgeClosed is returned when attempting to use a closed bridge.
	ErrBridgeClosed = errors.New("bridge is closed")

	// ErrChannelClosed is returned by transports after Close has been called.
	ErrChannelClosed = errors.New("channel transport is closed")

	// ErrSessionNotFound is returned when a session ID is not registered.
	ErrSessionNotFound = errors.New("bridge session not found")

	// ErrSessionAlreadyExists is returned when registering a duplicate session ID.
	ErrSessionAlreadyExists = errors.New("bridge session already exists")

	// ErrSessionInvalidToken is returned when a connection presents the wrong token.
	ErrSessionInvalidToken = errors.New("invalid session token")

	// ErrSessionAlreadyConnected is returned when a second frontend tries to
	// attach to a session that already has a live connection.
	ErrSessionAlreadyConnected = errors.New("session already connected")
)

// RemoteError is a failure reported by the debug backend in a response
// message. It never escapes the bridge boundary; it is logged and collapsed
// to a nil result for callers.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// MalformedMessageError reports an inbound frame that could not be decoded.
// The connection itself is still healthy; the reader skips the frame and
// keeps pumping.
type MalformedMessageError struct {
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// IsSessionError returns true if the error indicates a session-related
// failure (unknown session, duplicate registration, or a rejected connection).
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionAlreadyExists) ||
		errors.Is(err, ErrSessionInvalidToken) ||
		errors.Is(err, ErrSessionAlreadyConnected)
}
