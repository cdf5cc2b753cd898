package store

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// Image is a point-in-time copy of everything the relay persists. It is the
// unit the snapshot manager archives and restores.
//
// Tickets are ordered by (CreatedAt, ID) with their messages in Seq order,
// routes by StaffMessageID and users by ID.
type Image struct {
	Tickets []ticket.Ticket
	Routes  []ticket.RouteLink
	Users   []ticket.User
}

// ActiveTickets derives the active ticket pointers from ticket statuses.
func (img Image) ActiveTickets() map[ticket.UserID]ticket.ID {
	active := make(map[ticket.UserID]ticket.ID)
	for _, t := range img.Tickets {
		if t.Open() {
			active[t.Owner] = t.ID
		}
	}
	return active
}

// MaxSeq returns the highest message seq in the image, or 0.
func (img Image) MaxSeq() int64 {
	var max int64
	for _, t := range img.Tickets {
		for _, m := range t.Messages {
			if m.Seq > max {
				max = m.Seq
			}
		}
	}
	return max
}

// MessageCount returns the number of messages across all tickets.
func (img Image) MessageCount() int {
	n := 0
	for _, t := range img.Tickets {
		n += len(t.Messages)
	}
	return n
}

// Validate checks the invariants a loadable image must satisfy.
func (img Image) Validate() error {
	tickets := make(map[ticket.ID]ticket.Ticket, len(img.Tickets))
	open := make(map[ticket.UserID]ticket.ID)
	seqs := make(map[int64]ticket.ID)

	for _, t := range img.Tickets {
		if t.ID == "" {
			return fmt.Errorf("ticket with empty id")
		}
		if _, dup := tickets[t.ID]; dup {
			return fmt.Errorf("duplicate ticket %s", t.ID)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("ticket %s: invalid status %q", t.ID, t.Status)
		}
		if !utf8.ValidString(t.HandleAtCreation) {
			return fmt.Errorf("ticket %s: handle is not valid UTF-8", t.ID)
		}
		if t.Open() {
			if other, ok := open[t.Owner]; ok {
				return fmt.Errorf("user %d has two open tickets (%s, %s)", t.Owner, other, t.ID)
			}
			open[t.Owner] = t.ID
		}

		var last int64
		for _, m := range t.Messages {
			if !m.Role.Valid() {
				return fmt.Errorf("ticket %s: message %d has invalid role %q", t.ID, m.Seq, m.Role)
			}
			if !utf8.ValidString(m.Content.Text) || !utf8.ValidString(m.Content.MediaRef) {
				return fmt.Errorf("ticket %s: message %d is not valid UTF-8", t.ID, m.Seq)
			}
			if m.Seq <= last {
				return fmt.Errorf("ticket %s: message seq %d out of order", t.ID, m.Seq)
			}
			if other, dup := seqs[m.Seq]; dup {
				return fmt.Errorf("message seq %d used by tickets %s and %s", m.Seq, other, t.ID)
			}
			seqs[m.Seq] = t.ID
			last = m.Seq
		}
		tickets[t.ID] = t
	}

	links := make(map[ticket.StaffMessageID]bool, len(img.Routes))
	for _, r := range img.Routes {
		if links[r.StaffMessageID] {
			return fmt.Errorf("duplicate route for staff message %d", r.StaffMessageID)
		}
		links[r.StaffMessageID] = true
		t, ok := tickets[r.TicketID]
		if !ok {
			return fmt.Errorf("route %d points at unknown ticket %s", r.StaffMessageID, r.TicketID)
		}
		if t.Owner != r.UserID {
			return fmt.Errorf("route %d: user %d does not own ticket %s", r.StaffMessageID, r.UserID, r.TicketID)
		}
	}

	users := make(map[ticket.UserID]bool, len(img.Users))
	for _, u := range img.Users {
		if users[u.ID] {
			return fmt.Errorf("duplicate user %d", u.ID)
		}
		if !utf8.ValidString(u.Handle) {
			return fmt.Errorf("user %d: handle is not valid UTF-8", u.ID)
		}
		users[u.ID] = true
	}

	return nil
}

// repairUTF8 replaces invalid UTF-8 in stored text with U+FFFD in place,
// for rows written before text was checked on the way in.
func (img *Image) repairUTF8() {
	for i := range img.Tickets {
		t := &img.Tickets[i]
		t.HandleAtCreation = strings.ToValidUTF8(t.HandleAtCreation, replacementChar)
		for j := range t.Messages {
			t.Messages[j].Content = validContent(t.Messages[j].Content)
		}
	}
	for i := range img.Users {
		img.Users[i].Handle = strings.ToValidUTF8(img.Users[i].Handle, replacementChar)
	}
}

// normalize sorts the image into its canonical order in place.
func (img *Image) normalize() {
	sort.Slice(img.Tickets, func(i, j int) bool {
		a, b := img.Tickets[i], img.Tickets[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for i := range img.Tickets {
		msgs := img.Tickets[i].Messages
		sort.Slice(msgs, func(a, b int) bool { return msgs[a].Seq < msgs[b].Seq })
	}
	sort.Slice(img.Routes, func(i, j int) bool {
		return img.Routes[i].StaffMessageID < img.Routes[j].StaffMessageID
	})
	sort.Slice(img.Users, func(i, j int) bool { return img.Users[i].ID < img.Users[j].ID })
}
