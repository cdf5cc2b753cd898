package ticket

import (
	"errors"
	"fmt"
)

// Error is a routing or store failure that is reported back to whoever
// triggered it. None of these errors are fatal to the process.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TicketID is the ticket involved, if any. For CONFLICT errors it is the
	// ticket that already holds the active slot.
	TicketID ID

	// UserID is the user involved, if any.
	UserID UserID
}

// ErrorCode categorizes ticket errors.
type ErrorCode string

const (
	// ErrCodeConflict indicates the user already has an active ticket, or a
	// route link already points somewhere else.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeNotFound indicates an unknown ticket or user.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeClosed indicates a write to a closed ticket that policy rejects.
	ErrCodeClosed ErrorCode = "TICKET_CLOSED"

	// ErrCodeUnresolvedRoute indicates a staff reply to a message that has
	// no route link.
	ErrCodeUnresolvedRoute ErrorCode = "UNRESOLVED_ROUTE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.TicketID != "" && e.UserID != 0:
		return fmt.Sprintf("%s: %s (ticket=%s, user=%d)", e.Code, e.Message, e.TicketID, e.UserID)
	case e.TicketID != "":
		return fmt.Sprintf("%s: %s (ticket=%s)", e.Code, e.Message, e.TicketID)
	case e.UserID != 0:
		return fmt.Sprintf("%s: %s (user=%d)", e.Code, e.Message, e.UserID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsConflict returns true if err is a CONFLICT error.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsNotFound returns true if err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsClosed returns true if err is a TICKET_CLOSED error.
func IsClosed(err error) bool { return CodeOf(err) == ErrCodeClosed }

// IsUnresolvedRoute returns true if err is an UNRESOLVED_ROUTE error.
func IsUnresolvedRoute(err error) bool { return CodeOf(err) == ErrCodeUnresolvedRoute }

// NewConflictError reports that user already owns the active ticket existing.
func NewConflictError(user UserID, existing ID) *Error {
	return &Error{
		Code:     ErrCodeConflict,
		Message:  "user already has an active ticket",
		TicketID: existing,
		UserID:   user,
	}
}

// NewNotFoundError reports an unknown ticket.
func NewNotFoundError(id ID) *Error {
	return &Error{
		Code:     ErrCodeNotFound,
		Message:  "ticket not found",
		TicketID: id,
	}
}

// NewUserNotFoundError reports an unknown user.
func NewUserNotFoundError(user UserID) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: "user not found",
		UserID:  user,
	}
}

// NewClosedError reports a write rejected because the ticket is closed.
func NewClosedError(id ID, role Role) *Error {
	return &Error{
		Code:     ErrCodeClosed,
		Message:  fmt.Sprintf("ticket is closed to %s messages", role),
		TicketID: id,
	}
}

// NewUnresolvedRouteError reports a staff reply that maps to no ticket.
func NewUnresolvedRouteError(msg StaffMessageID) *Error {
	return &Error{
		Code:    ErrCodeUnresolvedRoute,
		Message: fmt.Sprintf("staff message %d is not linked to a ticket", msg),
	}
}
