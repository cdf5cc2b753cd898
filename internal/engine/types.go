package engine

import (
	"context"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// EventType names an inbound event.
type EventType string

const (
	// User-side events.
	EventUserMessage  EventType = "user_message"
	EventOpenTicket   EventType = "open_ticket"
	EventRequestClose EventType = "request_close"
	EventConfirmClose EventType = "confirm_close"

	// Staff-side events.
	EventStaffReply        EventType = "staff_reply"
	EventStaffClose        EventType = "staff_close"
	EventStaffRequestClose EventType = "staff_request_close"
	EventStaffSend         EventType = "staff_send"
)

// IsStaff reports whether t originates in the staff channel.
func (t EventType) IsStaff() bool {
	switch t {
	case EventStaffReply, EventStaffClose, EventStaffRequestClose, EventStaffSend:
		return true
	}
	return false
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventUserMessage, EventOpenTicket, EventRequestClose, EventConfirmClose:
		return true
	}
	return t.IsStaff()
}

// Event is an inbound event from the transport.
//
// UserID and Handle identify the sender of user-side events. A nil Handle
// keeps the registered one; a present but empty Handle clears it. Staff events
// address their ticket with ReplyTo (the relayed staff-channel message the
// staff member answered) or TicketID. ChatID is the chat the event came
// from; transports use it to check staff events originate in the staff
// channel.
type Event struct {
	Type     EventType             `json:"type"`
	UserID   ticket.UserID         `json:"user_id,omitempty"`
	Handle   *string               `json:"handle,omitempty"`
	Content  ticket.Content        `json:"content"`
	ReplyTo  ticket.StaffMessageID `json:"reply_to,omitempty"`
	TicketID ticket.ID             `json:"ticket_id,omitempty"`
	ChatID   int64                 `json:"chat_id,omitempty"`
}

// Button is an inline action offered to the user. Pressing it makes the
// transport send an event of type Action carrying TicketID.
type Button struct {
	Label    string    `json:"label"`
	Action   EventType `json:"action"`
	TicketID ticket.ID `json:"ticket_id,omitempty"`
}

// Outbound is a message for the transport to send. Media, when set, is
// sent with Text as its caption.
type Outbound struct {
	Text    string          `json:"text,omitempty"`
	Media   *ticket.Content `json:"media,omitempty"`
	Buttons []Button        `json:"buttons,omitempty"`
}

// Transport sends messages to the staff channel and to users.
type Transport interface {
	// SendToStaff posts msg to the staff channel and returns the id of the
	// posted message, which staff replies will reference.
	SendToStaff(ctx context.Context, msg Outbound) (ticket.StaffMessageID, error)

	// SendToUser sends msg to a user's private chat.
	SendToUser(ctx context.Context, user ticket.UserID, msg Outbound) error
}

// Outcome says what handling an event did.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeRelayed       Outcome = "relayed"
	OutcomeDelivered     Outcome = "delivered"
	OutcomeNoted         Outcome = "noted"
	OutcomeClosed        Outcome = "closed"
	OutcomeAlreadyClosed Outcome = "already_closed"
	OutcomePrompted      Outcome = "prompted"
	OutcomeNoop          Outcome = "noop"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeThrottled     Outcome = "throttled"
)

// Result describes the handled event.
type Result struct {
	Outcome        Outcome               `json:"outcome"`
	TicketID       ticket.ID             `json:"ticket_id,omitempty"`
	UserID         ticket.UserID         `json:"user_id,omitempty"`
	Seq            int64                 `json:"seq,omitempty"`
	StaffMessageID ticket.StaffMessageID `json:"staff_message_id,omitempty"`
}
