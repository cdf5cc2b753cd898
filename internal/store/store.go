package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// maxIDAttempts bounds how often CreateTicket redraws a colliding id.
const maxIDAttempts = 8

// Store is the authoritative ticket state: tickets, their logs, the active
// ticket pointer per user and the route links.
//
// Every mutation is written through to the DB first and published in memory
// only once the write succeeds, so a failed write leaves both sides
// unchanged.
//
// INVARIANTS:
//   - active[u] exists iff tickets[active[u]] is open and owned by u
//   - a user owns at most one open ticket
//   - routes are never retargeted
//
// Thread-safety: all methods are safe for concurrent use. Mutations are
// serialized by mu, which makes the one-open-ticket check-and-set atomic.
type Store struct {
	mu      sync.RWMutex
	db      *DB
	tickets map[ticket.ID]*ticket.Ticket
	active  map[ticket.UserID]ticket.ID
	routes  map[ticket.StaffMessageID]ticket.RouteLink
	seq     *Sequence

	ids                ticket.IDGenerator
	clock              clock.Clock
	staffNotesOnClosed bool
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the ticket id generator (tests use FixedGenerator).
func WithIDGenerator(g ticket.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithStaffNotesOnClosed lets staff append to closed tickets. Default: false.
func WithStaffNotesOnClosed(allow bool) Option {
	return func(s *Store) { s.staffNotesOnClosed = allow }
}

// New builds a Store over db, seeded from img (usually db.LoadImage).
func New(db *DB, img Image, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("new store: nil database")
	}
	s := &Store{
		db:    db,
		ids:   ticket.TokenGenerator{},
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(img); err != nil {
		return nil, fmt.Errorf("new store: %w", err)
	}
	return s, nil
}

// Open opens the database at path and loads it into a Store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, Image, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, Image{}, err
	}
	img, err := db.LoadImage(ctx)
	if err != nil {
		db.Close()
		return nil, Image{}, err
	}
	img.repairUTF8()
	s, err := New(db, img, opts...)
	if err != nil {
		db.Close()
		return nil, Image{}, err
	}
	return s, img, nil
}

// DB returns the durable layer under the store.
func (s *Store) DB() *DB {
	return s.db
}

// StaffNotesOnClosed reports the closed-ticket policy.
func (s *Store) StaffNotesOnClosed() bool {
	return s.staffNotesOnClosed
}

// ActiveTicket returns the user's open ticket, if any.
func (s *Store) ActiveTicket(user ticket.UserID) (ticket.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[user]
	return id, ok
}

// CreateTicket opens a new ticket for user. If the user already has an
// active ticket it returns a CONFLICT error carrying that ticket's id.
func (s *Store) CreateTicket(ctx context.Context, user ticket.UserID, handle string) (ticket.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.active[user]; ok {
		return "", ticket.NewConflictError(user, existing)
	}

	id, err := s.freshIDLocked()
	if err != nil {
		return "", err
	}

	t := ticket.Ticket{
		ID:               id,
		Owner:            user,
		Status:           ticket.StatusOpen,
		HandleAtCreation: strings.ToValidUTF8(handle, replacementChar),
		CreatedAt:        s.clock.Now().UTC(),
		Messages:         []ticket.Message{},
	}
	if err := writeTicket(ctx, s.db.db, t); err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}

	s.tickets[id] = &t
	s.active[user] = id
	return id, nil
}

func (s *Store) freshIDLocked() (ticket.ID, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.ids.Generate()
		if _, taken := s.tickets[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("create ticket: no free id after %d attempts", maxIDAttempts)
}

// AppendMessage appends to a ticket's log and returns the stored message.
//
// User messages are rejected on closed tickets. Staff messages on closed
// tickets are accepted only when the staff-notes policy allows it.
func (s *Store) AppendMessage(ctx context.Context, id ticket.ID, role ticket.Role, content ticket.Content) (ticket.Message, error) {
	if !role.Valid() {
		return ticket.Message{}, fmt.Errorf("append message: invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.Message{}, ticket.NewNotFoundError(id)
	}
	if !t.Open() && (role == ticket.RoleUser || !s.staffNotesOnClosed) {
		return ticket.Message{}, ticket.NewClosedError(id, role)
	}

	m := ticket.Message{
		Seq:       s.seq.Next(),
		Role:      role,
		Content:   validContent(content),
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := writeMessage(ctx, s.db.db, id, m); err != nil {
		return ticket.Message{}, fmt.Errorf("append message: %w", err)
	}

	t.Messages = append(t.Messages, m)
	return m, nil
}

// replacementChar stands in for invalid UTF-8. It is what encoding/json
// writes for such bytes, so stored text and archived metadata agree.
const replacementChar = "\uFFFD"

func validContent(c ticket.Content) ticket.Content {
	c.Text = strings.ToValidUTF8(c.Text, replacementChar)
	c.MediaRef = strings.ToValidUTF8(c.MediaRef, replacementChar)
	return c
}

// CloseTicket closes a ticket and clears its owner's active pointer.
// Closing a closed ticket is a successful no-op; closed reports whether this
// call changed anything.
func (s *Store) CloseTicket(ctx context.Context, id ticket.ID) (closed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return false, ticket.NewNotFoundError(id)
	}
	if !t.Open() {
		return false, nil
	}

	now := s.clock.Now().UTC()
	if err := writeClosed(ctx, s.db.db, id, now); err != nil {
		return false, fmt.Errorf("close ticket: %w", err)
	}

	t.Status = ticket.StatusClosed
	t.ClosedAt = now
	if s.active[t.Owner] == id {
		delete(s.active, t.Owner)
	}
	return true, nil
}

// LinkRoute records that staffMsg in the staff channel belongs to ticket id.
// Relinking to the same target is a no-op; retargeting is a CONFLICT.
func (s *Store) LinkRoute(ctx context.Context, staffMsg ticket.StaffMessageID, id ticket.ID, user ticket.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return ticket.NewNotFoundError(id)
	}
	if t.Owner != user {
		return fmt.Errorf("link route: user %d does not own ticket %s", user, id)
	}
	if existing, ok := s.routes[staffMsg]; ok {
		if existing.TicketID == id && existing.UserID == user {
			return nil
		}
		return &ticket.Error{
			Code:     ticket.ErrCodeConflict,
			Message:  fmt.Sprintf("staff message %d already routes to another ticket", staffMsg),
			TicketID: existing.TicketID,
		}
	}

	link := ticket.RouteLink{
		StaffMessageID: staffMsg,
		TicketID:       id,
		UserID:         user,
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := writeRoute(ctx, s.db.db, link); err != nil {
		return fmt.Errorf("link route: %w", err)
	}
	s.routes[staffMsg] = link
	return nil
}

// ResolveRoute returns the link for a staff message.
func (s *Store) ResolveRoute(staffMsg ticket.StaffMessageID) (ticket.RouteLink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.routes[staffMsg]
	return link, ok
}

// Ticket returns a deep copy of a ticket including its log.
func (s *Store) Ticket(id ticket.ID) (ticket.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return ticket.Ticket{}, ticket.NewNotFoundError(id)
	}
	return t.Clone(), nil
}

// TicketsByUser returns every ticket the user has owned, oldest first.
func (s *Store) TicketsByUser(user ticket.UserID) []ticket.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ticket.Ticket
	for _, t := range s.tickets {
		if t.Owner == user {
			out = append(out, t.Clone())
		}
	}
	sortTickets(out)
	return out
}

// OpenTickets returns all open tickets, oldest first.
func (s *Store) OpenTickets() []ticket.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ticket.Ticket, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.tickets[id].Clone())
	}
	sortTickets(out)
	return out
}

// Counts summarizes the store.
type Counts struct {
	Tickets  int `json:"tickets"`
	Open     int `json:"open"`
	Messages int `json:"messages"`
	Routes   int `json:"routes"`
}

// Counts returns totals for status reporting.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Counts{Tickets: len(s.tickets), Open: len(s.active), Routes: len(s.routes)}
	for _, t := range s.tickets {
		c.Messages += len(t.Messages)
	}
	return c
}

// Export returns a deep copy of the ticket state. Users is left empty; the
// identity registry owns them.
func (s *Store) Export() Image {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img := Image{
		Tickets: make([]ticket.Ticket, 0, len(s.tickets)),
		Routes:  make([]ticket.RouteLink, 0, len(s.routes)),
		Users:   []ticket.User{},
	}
	for _, t := range s.tickets {
		img.Tickets = append(img.Tickets, t.Clone())
	}
	for _, r := range s.routes {
		img.Routes = append(img.Routes, r)
	}
	img.normalize()
	return img
}

// Load replaces the in-memory state with img. It does not touch the DB;
// restore writes the image with DB.ReplaceAll before calling Load.
func (s *Store) Load(img Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(img)
}

func (s *Store) load(img Image) error {
	if err := img.Validate(); err != nil {
		return err
	}

	tickets := make(map[ticket.ID]*ticket.Ticket, len(img.Tickets))
	active := make(map[ticket.UserID]ticket.ID)
	for _, t := range img.Tickets {
		c := t.Clone()
		tickets[c.ID] = &c
		if c.Open() {
			active[c.Owner] = c.ID
		}
	}
	routes := make(map[ticket.StaffMessageID]ticket.RouteLink, len(img.Routes))
	for _, r := range img.Routes {
		routes[r.StaffMessageID] = r
	}

	s.tickets = tickets
	s.active = active
	s.routes = routes
	s.seq = NewSequenceAt(img.MaxSeq())
	return nil
}

func sortTickets(ts []ticket.Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
