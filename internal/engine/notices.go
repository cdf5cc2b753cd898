package engine

import (
	"fmt"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// User-facing texts.
const (
	textNoTicket      = "You have no open ticket. Send a message to open one."
	textCreatePrompt  = "You have no open ticket. Press the button to open one."
	textThrottled     = "You are sending messages too quickly. Please wait a moment and try again."
	textNoLongerOpen  = "That ticket is no longer open."
	textUnresolved    = "Could not find the ticket for that message. Reply directly to a relayed user message."
	replyPrefix       = "Support:"
	closedByStaff     = "staff"
	closedByUser      = "the user"
	labelCreateTicket = "Create ticket"
	labelConfirmClose = "Yes, close it"
)

func staffHeader(id ticket.ID, user ticket.UserID, handle string, created bool) string {
	if created {
		return fmt.Sprintf("New ticket %s from %s (id %d)", id, ticket.DisplayHandle(handle), user)
	}
	return fmt.Sprintf("Ticket %s from %s (id %d)", id, ticket.DisplayHandle(handle), user)
}

// withContent renders c under prefix. Media keeps its reference and gets
// the text as caption.
func withContent(prefix string, c ticket.Content, sep string) Outbound {
	text := c.Text
	if prefix != "" {
		if text == "" {
			text = prefix
		} else {
			text = prefix + sep + text
		}
	}
	out := Outbound{Text: text}
	if c.IsMedia() {
		media := c
		out.Media = &media
	}
	return out
}

func relayOutbound(id ticket.ID, user ticket.UserID, handle string, created bool, c ticket.Content) Outbound {
	return withContent(staffHeader(id, user, handle, created), c, "\n\n")
}

func replyOutbound(c ticket.Content) Outbound {
	return withContent(replyPrefix, c, " ")
}

func openedNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s is open. Our team will reply here.", id)}
}

func openedStaffNotice(id ticket.ID, user ticket.UserID, handle string) Outbound {
	return Outbound{Text: staffHeader(id, user, handle, true) + "\n\nThe user opened a ticket."}
}

func alreadyOpenNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("You already have an open ticket (%s). Just send your message.", id)}
}

func createPrompt() Outbound {
	return Outbound{
		Text:    textCreatePrompt,
		Buttons: []Button{{Label: labelCreateTicket, Action: EventOpenTicket}},
	}
}

func confirmClosePrompt(id ticket.ID, staffAsked bool) Outbound {
	text := fmt.Sprintf("Close ticket %s?", id)
	if staffAsked {
		text = fmt.Sprintf("Support asks whether ticket %s can be closed. Is your issue resolved?", id)
	}
	return Outbound{
		Text:    text,
		Buttons: []Button{{Label: labelConfirmClose, Action: EventConfirmClose, TicketID: id}},
	}
}

func closedUserNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s has been closed. Send a new message any time to open another.", id)}
}

func closedStaffNotice(id ticket.ID, handle, by string) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s (%s) closed by %s.", id, ticket.DisplayHandle(handle), by)}
}

func alreadyClosedNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s is already closed.", id)}
}

func notOpenNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s is not open.", id)}
}

func notFoundNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s does not exist.", id)}
}

func notedNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s is closed. Your message was saved as a note and not delivered.", id)}
}

func rejectedNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Ticket %s is closed. Your message was not delivered.", id)}
}

func requestSentNotice(id ticket.ID) Outbound {
	return Outbound{Text: fmt.Sprintf("Asked the user to confirm closing ticket %s.", id)}
}
