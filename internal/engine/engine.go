package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/events"
	"github.com/roach88/ticketrelay/internal/gate"
	"github.com/roach88/ticketrelay/internal/identity"
	"github.com/roach88/ticketrelay/internal/store"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// Engine routes inbound events.
//
// Thread-safety: Handle and the view methods are safe for concurrent use.
type Engine struct {
	store     *store.Store
	registry  *identity.Registry
	transport Transport

	gate  *gate.Gate
	locks *gate.Keyed[ticket.UserID]

	limiter  *userLimiter
	events   events.Publisher
	clock    clock.Clock
	location *time.Location
	autoOpen bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithGate shares g with the snapshot manager. Required whenever snapshots
// run against the same store.
func WithGate(g *gate.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithRateLimit allows each user burst messages at once, refilling one
// every interval. Throttled messages are dropped with a notice.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(e *Engine) {
		if every > 0 {
			e.limiter = newUserLimiter(every, burst)
		}
	}
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithClock overrides the clock used for rate limiting and event times.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLocation sets the time zone for transcripts.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.location = loc }
}

// WithAutoOpen controls whether a user message without an active ticket
// opens one (true, the default) or is answered with an open prompt.
func WithAutoOpen(auto bool) Option {
	return func(e *Engine) { e.autoOpen = auto }
}

// New creates an Engine.
func New(st *store.Store, reg *identity.Registry, tr Transport, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		registry:  reg,
		transport: tr,
		gate:      gate.New(),
		locks:     gate.NewKeyed[ticket.UserID](),
		events:    events.Discard{},
		clock:     clock.Real(),
		location:  time.UTC,
		autoOpen:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle processes one inbound event.
//
// Routing failures come back as *ticket.Error (CONFLICT, NOT_FOUND,
// TICKET_CLOSED, UNRESOLVED_ROUTE) after the affected side has been told;
// transport failures as *DeliveryError.
func (e *Engine) Handle(ctx context.Context, ev Event) (Result, error) {
	if err := validate(ev); err != nil {
		return Result{}, err
	}

	release, err := e.gate.Shared(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	slog.Debug("handling event",
		"type", ev.Type,
		"user", ev.UserID,
		"ticket", ev.TicketID,
		"reply_to", ev.ReplyTo,
	)

	if ev.Type.IsStaff() {
		return e.handleStaff(ctx, ev)
	}
	return e.handleUser(ctx, ev)
}

func validate(ev Event) error {
	if !ev.Type.Valid() {
		return invalidEvent("unknown type %q", ev.Type)
	}
	switch ev.Type {
	case EventUserMessage, EventOpenTicket, EventRequestClose, EventConfirmClose:
		if ev.UserID == 0 {
			return invalidEvent("%s without user_id", ev.Type)
		}
	case EventStaffReply:
		if ev.ReplyTo == 0 {
			return invalidEvent("%s without reply_to", ev.Type)
		}
	case EventStaffClose, EventStaffRequestClose:
		if ev.ReplyTo == 0 && ev.TicketID == "" {
			return invalidEvent("%s needs ticket_id or reply_to", ev.Type)
		}
	case EventStaffSend:
		if ev.TicketID == "" {
			return invalidEvent("%s without ticket_id", ev.Type)
		}
	}
	if (ev.Type == EventUserMessage || ev.Type == EventStaffReply || ev.Type == EventStaffSend) &&
		ev.Content.Kind != "" && !ev.Content.Kind.Valid() {
		return invalidEvent("unknown content kind %q", ev.Content.Kind)
	}
	return nil
}

// lockUser takes the per-user lock. Callers already hold the shared gate.
func (e *Engine) lockUser(ctx context.Context, user ticket.UserID) (func(), error) {
	unlock, err := e.locks.Lock(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("lock user %d: %w", user, err)
	}
	return unlock, nil
}

func (e *Engine) publish(typ events.Type, id ticket.ID, user ticket.UserID, seq int64) {
	e.events.Publish(events.Event{
		Type:     typ,
		TicketID: id,
		UserID:   user,
		Seq:      seq,
		At:       e.clock.Now().UTC(),
	})
}

// tellUser sends an informational message. Failures are logged only; the
// event itself already succeeded or failed on its own terms.
func (e *Engine) tellUser(ctx context.Context, user ticket.UserID, msg Outbound) {
	if err := e.transport.SendToUser(ctx, user, msg); err != nil {
		slog.Warn("notice to user failed", "user", user, "error", err)
	}
}

// tellStaff sends an informational message to the staff channel.
func (e *Engine) tellStaff(ctx context.Context, msg Outbound) {
	if _, err := e.transport.SendToStaff(ctx, msg); err != nil {
		slog.Warn("notice to staff failed", "error", err)
	}
}
