package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// ErrInvalidEvent is returned for events missing required fields or of an
// unknown type.
var ErrInvalidEvent = errors.New("invalid event")

// DeliveryError reports a transport failure after the ticket log was
// already updated.
type DeliveryError struct {
	// Target is "staff" or "user".
	Target string

	// TicketID identifies the affected ticket.
	TicketID ticket.ID

	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (ticket=%s): %v", e.Target, e.TicketID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryError returns true if err wraps a *DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

func invalidEvent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
