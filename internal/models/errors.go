package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the coarse error class that decides how a failure is surfaced.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindForbidden
	KindConflict
	KindUnavailable
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown_kind_%d", int(k))
	}
}

// Error codes sent to the originating client.
const (
	CodeRoomNotFound      = "room_not_found"
	CodeMessageNotFound   = "message_not_found"
	CodeUserNotFound      = "user_not_found"
	CodeForbidden         = "forbidden"
	CodeNotAMember        = "not_a_member"
	CodeRoomFull          = "room_full"
	CodeRoomReadOnly      = "room_read_only"
	CodeSlowMode          = "slow_mode_violation"
	CodeEditsDisabled     = "edits_disabled"
	CodeReactionsDisabled = "reactions_disabled"
	CodePinsDisabled      = "pins_disabled"
	CodeMessageDeleted    = "message_deleted"
	CodeLastAdmin         = "last_admin"
	CodeInvalidSettings   = "invalid_settings"
	CodeInvalidRequest    = "invalid_request"
	CodeUnavailable       = "unavailable"
)

// Error is a classified chat error. Two errors match with errors.Is when
// both kind and code are equal, or when the target has no code.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	// RetryAfter is set for slow mode violations.
	RetryAfter time.Duration
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Sentinels for errors.Is checks on the error class.
var (
	ErrKindNotFound    = &Error{Kind: KindNotFound}
	ErrKindForbidden   = &Error{Kind: KindForbidden}
	ErrKindConflict    = &Error{Kind: KindConflict}
	ErrKindUnavailable = &Error{Kind: KindUnavailable}
	ErrKindInvalid     = &Error{Kind: KindInvalid}
)

var (
	ErrRoomNotFound      = NewError(KindNotFound, CodeRoomNotFound, "room not found")
	ErrMessageNotFound   = NewError(KindNotFound, CodeMessageNotFound, "message not found")
	ErrForbidden         = NewError(KindForbidden, CodeForbidden, "action not permitted")
	ErrNotAMember        = NewError(KindForbidden, CodeNotAMember, "user is not a member of the room")
	ErrRoomReadOnly      = NewError(KindForbidden, CodeRoomReadOnly, "room is read-only")
	ErrEditsDisabled     = NewError(KindForbidden, CodeEditsDisabled, "edits are disabled in this room")
	ErrReactionsDisabled = NewError(KindForbidden, CodeReactionsDisabled, "reactions are disabled in this room")
	ErrPinsDisabled      = NewError(KindForbidden, CodePinsDisabled, "pins are disabled in this room")
	ErrRoomFull          = NewError(KindConflict, CodeRoomFull, "room is full")
	ErrMessageDeleted    = NewError(KindConflict, CodeMessageDeleted, "message was deleted")
	ErrLastAdmin         = NewError(KindConflict, CodeLastAdmin, "room must keep at least one admin")
	ErrSlowMode          = NewError(KindConflict, CodeSlowMode, "slow mode is active")
	ErrInvalidSettings   = NewError(KindInvalid, CodeInvalidSettings, "invalid room settings")
)

// SlowModeError builds a slow mode violation carrying the time left.
func SlowModeError(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindConflict,
		Code:       CodeSlowMode,
		Message:    fmt.Sprintf("slow mode is active, retry in %d seconds", int((retryAfter+time.Second-1)/time.Second)),
		RetryAfter: retryAfter,
	}
}

// InvalidSettings wraps a validation failure of room settings.
func InvalidSettings(reason string) *Error {
	return NewError(KindInvalid, CodeInvalidSettings, reason)
}

// InvalidRequest reports malformed input.
func InvalidRequest(reason string) *Error {
	return NewError(KindInvalid, CodeInvalidRequest, reason)
}

// Unavailable wraps a transient storage or transport failure.
func Unavailable(message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Code: CodeUnavailable, Message: message, Wrapped: err}
}

// AsError extracts the classified error, classifying unknown errors as unavailable.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Unavailable("internal error", err)
}
