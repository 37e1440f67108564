package models

import "errors"

var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrTransport             = errors.New("transport error")
	ErrValidation            = errors.New("validation error")
	ErrStatusRegression      = errors.New("status regression")
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotParticipant        = errors.New("not a participant")
)

// Wire error codes carried by outbound error events.
const (
	CodeRoomNotFound     = "room_not_found"
	CodeMessageNotFound  = "message_not_found"
	CodeValidation       = "validation_error"
	CodeStatusRegression = "status_regression"
	CodeRateLimited      = "rate_limited"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal_error"
)

// ErrorCode maps an error to the code reported to the originating device.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrMessageNotFound):
		return CodeMessageNotFound
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownEventType):
		return CodeValidation
	case errors.Is(err, ErrStatusRegression):
		return CodeStatusRegression
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrNotParticipant):
		return CodeForbidden
	}
	return CodeInternal
}
