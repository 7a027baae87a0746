package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session failures for the UI layer.
type ErrorCode string

const (
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeQueueJoinFailed   ErrorCode = "QUEUE_JOIN_FAILED"
	ErrCodeQueueExpired      ErrorCode = "QUEUE_EXPIRED"
	ErrCodePublishRejected   ErrorCode = "PUBLISH_REJECTED"
	ErrCodePlaybackRejected  ErrorCode = "PLAYBACK_REJECTED"
	ErrCodeICEFailed         ErrorCode = "ICE_CONNECTION_FAILED"
	ErrCodeResourceRelease   ErrorCode = "RESOURCE_RELEASE_FAILED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// userMessages maps codes to human-readable messages. The UI renders
// these verbatim.
var userMessages = map[ErrorCode]string{
	ErrCodePermissionDenied:  "Camera or microphone access was denied. Please grant permission and try again.",
	ErrCodeDeviceUnavailable: "No usable camera or microphone was found.",
	ErrCodeQueueJoinFailed:   "Could not join the waiting queue. Please try again.",
	ErrCodeQueueExpired:      "Your place in the queue expired. Please rejoin.",
	ErrCodePublishRejected:   "The server refused the outgoing video connection.",
	ErrCodePlaybackRejected:  "The server refused the incoming video connection.",
	ErrCodeICEFailed:         "The connection was lost. Please reconnect.",
	ErrCodeResourceRelease:   "The stream could not be released cleanly.",
	ErrCodeInternal:          "Something went wrong. Please try again.",
}

// SessionError carries a code, an internal message and an optional
// cause through the session status surface.
type SessionError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// UserMessage returns the localized-ready text for this error.
func (e *SessionError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return userMessages[ErrCodeInternal]
}

// New creates a SessionError without a cause.
func New(code ErrorCode, message string) *SessionError {
	return &SessionError{Code: code, Message: message}
}

// Wrap attaches a cause to a new SessionError.
func Wrap(err error, code ErrorCode, message string) *SessionError {
	return &SessionError{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the error code from an error chain, falling back to
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// UserMessageOf returns the user-facing text for any error.
func UserMessageOf(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	return userMessages[ErrCodeInternal]
}
