package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// transcriptTimeFormat is used for every timestamp in transcripts.
const transcriptTimeFormat = "2006-01-02 15:04:05"

// TicketSummary is a ticket without its log.
type TicketSummary struct {
	ID               ticket.ID     `json:"id"`
	Owner            ticket.UserID `json:"owner"`
	Handle           string        `json:"handle"`
	HandleAtCreation string        `json:"handle_at_creation"`
	Status           ticket.Status `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ClosedAt         time.Time     `json:"closed_at,omitzero"`
	Messages         int           `json:"messages"`
	LastActivity     time.Time     `json:"last_activity"`
}

// Profile is what the relay knows about one user.
type Profile struct {
	User         ticket.User `json:"user"`
	ActiveTicket ticket.ID   `json:"active_ticket,omitempty"`
	Tickets      int         `json:"tickets"`
}

// read holds the shared gate so views never straddle a restore swap.
func (e *Engine) read(ctx context.Context) (func(), error) {
	return e.gate.Shared(ctx)
}

func (e *Engine) summarize(t ticket.Ticket) TicketSummary {
	handle, ok := e.registry.Handle(t.Owner)
	if !ok {
		handle = t.HandleAtCreation
	}
	s := TicketSummary{
		ID:               t.ID,
		Owner:            t.Owner,
		Handle:           handle,
		HandleAtCreation: t.HandleAtCreation,
		Status:           t.Status,
		CreatedAt:        t.CreatedAt,
		ClosedAt:         t.ClosedAt,
		Messages:         len(t.Messages),
		LastActivity:     t.CreatedAt,
	}
	if n := len(t.Messages); n > 0 {
		s.LastActivity = t.Messages[n-1].CreatedAt
	}
	if t.ClosedAt.After(s.LastActivity) {
		s.LastActivity = t.ClosedAt
	}
	return s
}

// Status returns the summary of one ticket.
func (e *Engine) Status(ctx context.Context, id ticket.ID) (TicketSummary, error) {
	release, err := e.read(ctx)
	if err != nil {
		return TicketSummary{}, err
	}
	defer release()

	t, err := e.store.Ticket(id)
	if err != nil {
		return TicketSummary{}, err
	}
	return e.summarize(t), nil
}

// Which returns the owner of a ticket with their current handle.
func (e *Engine) Which(ctx context.Context, id ticket.ID) (ticket.User, error) {
	release, err := e.read(ctx)
	if err != nil {
		return ticket.User{}, err
	}
	defer release()

	t, err := e.store.Ticket(id)
	if err != nil {
		return ticket.User{}, err
	}
	if u, ok := e.registry.Lookup(t.Owner); ok {
		return u, nil
	}
	return ticket.User{ID: t.Owner, Handle: t.HandleAtCreation}, nil
}

// Profile returns what the relay knows about a user.
func (e *Engine) Profile(ctx context.Context, user ticket.UserID) (Profile, error) {
	release, err := e.read(ctx)
	if err != nil {
		return Profile{}, err
	}
	defer release()

	u, ok := e.registry.Lookup(user)
	if !ok {
		return Profile{}, ticket.NewUserNotFoundError(user)
	}
	p := Profile{User: u, Tickets: len(e.store.TicketsByUser(user))}
	if id, ok := e.store.ActiveTicket(user); ok {
		p.ActiveTicket = id
	}
	return p, nil
}

// OpenTickets lists open tickets, oldest first.
func (e *Engine) OpenTickets(ctx context.Context) ([]TicketSummary, error) {
	release, err := e.read(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	open := e.store.OpenTickets()
	out := make([]TicketSummary, 0, len(open))
	for _, t := range open {
		out = append(out, e.summarize(t))
	}
	return out, nil
}

// History lists every ticket a user has had, oldest first.
func (e *Engine) History(ctx context.Context, user ticket.UserID) ([]TicketSummary, error) {
	release, err := e.read(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tickets := e.store.TicketsByUser(user)
	if len(tickets) == 0 {
		if _, ok := e.registry.Lookup(user); !ok {
			return nil, ticket.NewUserNotFoundError(user)
		}
	}
	out := make([]TicketSummary, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, e.summarize(t))
	}
	return out, nil
}

// Users lists every known user, most recently seen first.
func (e *Engine) Users(ctx context.Context) ([]ticket.User, error) {
	release, err := e.read(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.registry.Since(time.Time{}), nil
}

// Transcript renders a ticket and its full log as plain text, with times
// in the engine's display location.
func (e *Engine) Transcript(ctx context.Context, id ticket.ID) (string, error) {
	release, err := e.read(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	t, err := e.store.Ticket(id)
	if err != nil {
		return "", err
	}
	return renderTranscript(t, e.location), nil
}

func renderTranscript(t ticket.Ticket, loc *time.Location) string {
	stamp := func(ts time.Time) string { return ts.In(loc).Format(transcriptTimeFormat) }

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %s\n", t.ID)
	fmt.Fprintf(&b, "User: %s (id %d)\n", ticket.DisplayHandle(t.HandleAtCreation), t.Owner)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Opened: %s\n", stamp(t.CreatedAt))
	if !t.ClosedAt.IsZero() {
		fmt.Fprintf(&b, "Closed: %s\n", stamp(t.ClosedAt))
	}
	b.WriteString("\n")

	if len(t.Messages) == 0 {
		b.WriteString("(no messages)\n")
	}
	for _, m := range t.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", stamp(m.CreatedAt), m.Role, m.Content.Summary())
	}
	return b.String()
}
