package domain

import "errors"

// Code is the error code surfaced to the calling UI layer.
type Code string

const (
	CodeRoomFull              Code = "ROOM_FULL"
	CodeMediaAccessDenied     Code = "MEDIA_ACCESS_DENIED"
	CodeCapabilityNegotiation Code = "CAPABILITY_NEGOTIATION_FAILED"
	CodeCallAlreadyActive     Code = "CALL_ALREADY_ACTIVE"
	CodeModerationDenied      Code = "MODERATION_DENIED"
	CodeSubscriptionTimeout   Code = "SUBSCRIPTION_TIMEOUT"

	// Not surfaced to users; absorbed by clients as stale.
	CodeProducerGone Code = "PRODUCER_GONE"

	CodeRateLimited Code = "RATE_LIMITED"
	CodeBadRequest  Code = "BAD_REQUEST"
	CodeNotInRoom   Code = "NOT_IN_ROOM"
	CodeNotFound    Code = "NOT_FOUND"
	CodeNegotiation Code = "NEGOTIATION_FAILED"
	CodeInternal    Code = "INTERNAL"
)

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Msg: e.Msg, Err: cause}
}

var (
	ErrRoomFull              = NewError(CodeRoomFull, "room is full")
	ErrMediaAccessDenied     = NewError(CodeMediaAccessDenied, "media access denied")
	ErrCapabilityNegotiation = NewError(CodeCapabilityNegotiation, "capability negotiation failed")
	ErrCallAlreadyActive     = NewError(CodeCallAlreadyActive, "call already active")
	ErrModerationDenied      = NewError(CodeModerationDenied, "denied by moderation")
	ErrSubscriptionTimeout   = NewError(CodeSubscriptionTimeout, "subscription was not resumed in time")
	ErrProducerGone          = NewError(CodeProducerGone, "producer is gone")
	ErrRateLimited           = NewError(CodeRateLimited, "too many attempts")
	ErrNotInRoom             = NewError(CodeNotInRoom, "not in a room")
)

// CodeOf extracts the surfaced code, CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsStale reports errors that belong to the race/staleness class and must be
// absorbed silently.
func IsStale(err error) bool {
	return errors.Is(err, ErrProducerGone)
}
