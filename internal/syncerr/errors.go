// Package syncerr defines the error taxonomy of the sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

// ErrOffline is reported once reconnect backoff has reached its cap.
var ErrOffline = errors.New("push channel offline")

// ErrConversationNotFound is returned for operations on an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageNotFound is returned when a local message entry does not exist.
var ErrMessageNotFound = errors.New("message not found")

// TransportError is a connection-level failure of the push channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a failed call to a REST collaborator.
type RequestError struct {
	Op     string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("request %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("request %s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DuplicateSessionError is returned when a second transport session is opened
// for an identity that already has an active one.
type DuplicateSessionError struct {
	Identity string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("transport session already active for identity %q", e.Identity)
}

// StaleViewError marks a response that arrived after its conversation view was
// left. Callers drop it silently.
type StaleViewError struct {
	ConversationID string
}

func (e *StaleViewError) Error() string {
	return fmt.Sprintf("stale response for conversation %q", e.ConversationID)
}

// IsStale reports whether err is or wraps a StaleViewError.
func IsStale(err error) bool {
	var stale *StaleViewError
	return errors.As(err, &stale)
}

// IsRequest reports whether err is or wraps a RequestError.
func IsRequest(err error) bool {
	var req *RequestError
	return errors.As(err, &req)
}
