package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ticketrelay/internal/events"
	"github.com/roach88/ticketrelay/internal/ticket"
)

func (e *Engine) handleUser(ctx context.Context, ev Event) (Result, error) {
	unlock, err := e.lockUser(ctx, ev.UserID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	var u ticket.User
	if ev.Handle != nil {
		u, err = e.registry.Touch(ctx, ev.UserID, *ev.Handle)
	} else {
		u, err = e.registry.Seen(ctx, ev.UserID)
	}
	if err != nil {
		return Result{}, err
	}

	switch ev.Type {
	case EventUserMessage:
		return e.userMessage(ctx, u, ev.Content)
	case EventOpenTicket:
		return e.openTicket(ctx, u)
	case EventRequestClose:
		return e.requestClose(ctx, u)
	case EventConfirmClose:
		return e.confirmClose(ctx, u, ev.TicketID)
	}
	return Result{}, invalidEvent("unhandled user event %q", ev.Type)
}

func (e *Engine) userMessage(ctx context.Context, u ticket.User, content ticket.Content) (Result, error) {
	if content.Empty() {
		return Result{Outcome: OutcomeIgnored, UserID: u.ID}, nil
	}
	if e.limiter != nil && !e.limiter.Allow(u.ID, e.clock.Now()) {
		slog.Debug("user throttled", "user", u.ID)
		e.tellUser(ctx, u.ID, Outbound{Text: textThrottled})
		return Result{Outcome: OutcomeThrottled, UserID: u.ID}, nil
	}

	id, created, err := e.activeOrCreate(ctx, u, e.autoOpen)
	if err != nil {
		return Result{}, err
	}
	if id == "" {
		e.tellUser(ctx, u.ID, createPrompt())
		return Result{Outcome: OutcomePrompted, UserID: u.ID}, nil
	}

	msg, err := e.store.AppendMessage(ctx, id, ticket.RoleUser, content)
	if err != nil {
		return Result{}, err
	}

	res := Result{Outcome: OutcomeRelayed, TicketID: id, UserID: u.ID, Seq: msg.Seq}
	if created {
		res.Outcome = OutcomeCreated
	}

	staffMsg, err := e.transport.SendToStaff(ctx, relayOutbound(id, u.ID, u.Handle, created, content))
	if err != nil {
		return res, &DeliveryError{Target: "staff", TicketID: id, Err: err}
	}
	if err := e.store.LinkRoute(ctx, staffMsg, id, u.ID); err != nil {
		return res, fmt.Errorf("link relayed message: %w", err)
	}
	res.StaffMessageID = staffMsg
	e.publish(events.MessageRelayed, id, u.ID, msg.Seq)

	if created {
		e.tellUser(ctx, u.ID, openedNotice(id))
	}
	return res, nil
}

// activeOrCreate returns the user's active ticket, opening one when there
// is none and create is set. A CONFLICT from the store means another path
// opened a ticket first; the existing one is used.
func (e *Engine) activeOrCreate(ctx context.Context, u ticket.User, create bool) (ticket.ID, bool, error) {
	if id, ok := e.store.ActiveTicket(u.ID); ok {
		return id, false, nil
	}
	if !create {
		return "", false, nil
	}

	id, err := e.store.CreateTicket(ctx, u.ID, u.Handle)
	if err == nil {
		slog.Info("ticket created", "ticket", id, "user", u.ID)
		e.publish(events.TicketCreated, id, u.ID, 0)
		return id, true, nil
	}
	if ticket.IsConflict(err) {
		if id, ok := e.store.ActiveTicket(u.ID); ok {
			return id, false, nil
		}
	}
	return "", false, err
}

func (e *Engine) openTicket(ctx context.Context, u ticket.User) (Result, error) {
	id, created, err := e.activeOrCreate(ctx, u, true)
	if err != nil {
		return Result{}, err
	}
	if !created {
		e.tellUser(ctx, u.ID, alreadyOpenNotice(id))
		return Result{Outcome: OutcomeNoop, TicketID: id, UserID: u.ID}, nil
	}

	res := Result{Outcome: OutcomeCreated, TicketID: id, UserID: u.ID}
	staffMsg, err := e.transport.SendToStaff(ctx, openedStaffNotice(id, u.ID, u.Handle))
	if err != nil {
		return res, &DeliveryError{Target: "staff", TicketID: id, Err: err}
	}
	if err := e.store.LinkRoute(ctx, staffMsg, id, u.ID); err != nil {
		return res, fmt.Errorf("link opened notice: %w", err)
	}
	res.StaffMessageID = staffMsg

	e.tellUser(ctx, u.ID, openedNotice(id))
	return res, nil
}

func (e *Engine) requestClose(ctx context.Context, u ticket.User) (Result, error) {
	id, ok := e.store.ActiveTicket(u.ID)
	if !ok {
		e.tellUser(ctx, u.ID, Outbound{Text: textNoTicket})
		return Result{Outcome: OutcomeNoop, UserID: u.ID}, nil
	}
	e.tellUser(ctx, u.ID, confirmClosePrompt(id, false))
	return Result{Outcome: OutcomePrompted, TicketID: id, UserID: u.ID}, nil
}

func (e *Engine) confirmClose(ctx context.Context, u ticket.User, want ticket.ID) (Result, error) {
	id, ok := e.store.ActiveTicket(u.ID)
	if !ok {
		e.tellUser(ctx, u.ID, Outbound{Text: textNoTicket})
		return Result{Outcome: OutcomeNoop, UserID: u.ID}, nil
	}
	if want != "" && want != id {
		// A stale confirmation button from an earlier ticket.
		e.tellUser(ctx, u.ID, Outbound{Text: textNoLongerOpen})
		return Result{Outcome: OutcomeNoop, TicketID: want, UserID: u.ID}, nil
	}
	return e.closeTicket(ctx, id, u.ID, closedByUser)
}

// closeTicket closes a ticket and tells both sides. Caller holds owner's lock.
func (e *Engine) closeTicket(ctx context.Context, id ticket.ID, owner ticket.UserID, by string) (Result, error) {
	closed, err := e.store.CloseTicket(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !closed {
		return Result{Outcome: OutcomeAlreadyClosed, TicketID: id, UserID: owner}, nil
	}

	slog.Info("ticket closed", "ticket", id, "user", owner, "by", by)
	e.publish(events.TicketClosed, id, owner, 0)

	handle, _ := e.registry.Handle(owner)
	e.tellUser(ctx, owner, closedUserNotice(id))
	e.tellStaff(ctx, closedStaffNotice(id, handle, by))
	return Result{Outcome: OutcomeClosed, TicketID: id, UserID: owner}, nil
}

func (e *Engine) handleStaff(ctx context.Context, ev Event) (Result, error) {
	target, err := e.resolveTarget(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	unlock, err := e.lockUser(ctx, target.Owner)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	// Re-read under the owner's lock: the status may have changed while
	// we waited.
	t, err := e.store.Ticket(target.ID)
	if err != nil {
		return Result{}, err
	}

	switch ev.Type {
	case EventStaffReply, EventStaffSend:
		return e.staffMessage(ctx, t, ev.Content)
	case EventStaffClose:
		if !t.Open() {
			e.tellStaff(ctx, alreadyClosedNotice(t.ID))
			return Result{Outcome: OutcomeAlreadyClosed, TicketID: t.ID, UserID: t.Owner}, nil
		}
		return e.closeTicket(ctx, t.ID, t.Owner, closedByStaff)
	case EventStaffRequestClose:
		if !t.Open() {
			e.tellStaff(ctx, notOpenNotice(t.ID))
			return Result{Outcome: OutcomeNoop, TicketID: t.ID, UserID: t.Owner}, nil
		}
		e.tellUser(ctx, t.Owner, confirmClosePrompt(t.ID, true))
		e.tellStaff(ctx, requestSentNotice(t.ID))
		return Result{Outcome: OutcomePrompted, TicketID: t.ID, UserID: t.Owner}, nil
	}
	return Result{}, invalidEvent("unhandled staff event %q", ev.Type)
}

// resolveTarget finds the ticket a staff event addresses: by route for
// replies (and for other events without a ticket id), by id otherwise.
// Failures are reported to the staff channel before they are returned.
func (e *Engine) resolveTarget(ctx context.Context, ev Event) (ticket.Ticket, error) {
	id := ev.TicketID
	if ev.Type == EventStaffReply || id == "" {
		link, ok := e.store.ResolveRoute(ev.ReplyTo)
		if !ok {
			e.tellStaff(ctx, Outbound{Text: textUnresolved})
			return ticket.Ticket{}, ticket.NewUnresolvedRouteError(ev.ReplyTo)
		}
		id = link.TicketID
	}

	t, err := e.store.Ticket(id)
	if err != nil {
		if ticket.IsNotFound(err) {
			e.tellStaff(ctx, notFoundNotice(id))
		}
		return ticket.Ticket{}, err
	}
	return t, nil
}

// staffMessage appends a staff message and delivers it to the owner. On a
// closed ticket it is kept as an undelivered note when policy allows and
// rejected otherwise.
func (e *Engine) staffMessage(ctx context.Context, t ticket.Ticket, content ticket.Content) (Result, error) {
	if content.Empty() {
		return Result{Outcome: OutcomeIgnored, TicketID: t.ID, UserID: t.Owner}, nil
	}

	msg, err := e.store.AppendMessage(ctx, t.ID, ticket.RoleStaff, content)
	if err != nil {
		if ticket.IsClosed(err) {
			e.tellStaff(ctx, rejectedNotice(t.ID))
		}
		return Result{}, err
	}

	res := Result{TicketID: t.ID, UserID: t.Owner, Seq: msg.Seq}
	if !t.Open() {
		e.tellStaff(ctx, notedNotice(t.ID))
		res.Outcome = OutcomeNoted
		return res, nil
	}

	if err := e.transport.SendToUser(ctx, t.Owner, replyOutbound(content)); err != nil {
		return res, &DeliveryError{Target: "user", TicketID: t.ID, Err: err}
	}
	e.publish(events.ReplyDelivered, t.ID, t.Owner, msg.Seq)
	res.Outcome = OutcomeDelivered
	return res, nil
}
