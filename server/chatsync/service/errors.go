package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected        = errors.New("chat connection is not established")
	ErrUnauthorized        = errors.New("chat gateway rejected the credentials")
	ErrHandshakeTimeout    = errors.New("chat gateway did not acknowledge the session")
	ErrEmptyMessage        = errors.New("message needs content or an attachment")
	ErrMissingRoom         = errors.New("room id is required")
	ErrMissingRoomName     = errors.New("room name is required")
	ErrMissingParticipants = errors.New("room needs at least one participant")
	ErrInvalidRoomType     = errors.New("room type must be PRIVATE, GROUP or PROJECT_CHAT")
	ErrUnknownMessage      = errors.New("no pending message with that id")
	ErrNotRetryable        = errors.New("only failed messages can be retried")
	ErrNoEndpoint          = errors.New("chat api endpoint is not configured")
	ErrUnknownRoom         = errors.New("room is not known locally")
	ErrNoUploader          = errors.New("attachment uploads are not configured")
)

// TransportError is a retryable failure to reach or keep the gateway.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx answer from the chat REST api.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err wraps an HTTPError with the given code.
func IsStatus(err error, code int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == code
	}
	return false
}
