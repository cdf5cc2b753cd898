// Package identity maintains the user registry: the latest handle seen for
// each user, plus first and last interaction times.
//
// The registry is a leaf component. It never looks at tickets; the routing
// engine calls Touch on every inbound user event before it touches the
// ticket store.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// Writer persists user records. store.DB implements it.
type Writer interface {
	WriteUser(ctx context.Context, u ticket.User) error
}

// Registry maps user ids to their latest handle.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	users  map[ticket.UserID]ticket.User
	writer Writer
	clock  clock.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithWriter persists every change through w before it becomes visible.
func WithWriter(w Writer) Option {
	return func(r *Registry) { r.writer = w }
}

// WithClock overrides the clock used for first/last seen timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// New creates a registry seeded with users.
func New(users []ticket.User, opts ...Option) *Registry {
	r := &Registry{
		users: make(map[ticket.UserID]ticket.User, len(users)),
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

// NormalizeHandle trims a leading "@" and surrounding space and applies NFC
// so that visually identical handles compare equal. Invalid UTF-8 becomes
// U+FFFD.
func NormalizeHandle(handle string) string {
	handle = strings.ToValidUTF8(handle, "\uFFFD")
	handle = strings.TrimSpace(handle)
	handle = strings.TrimPrefix(handle, "@")
	return norm.NFC.String(handle)
}

// Touch records an interaction from user with the given handle and returns
// the stored record. The handle is overwritten with the latest value, even
// when it is empty.
func (r *Registry) Touch(ctx context.Context, id ticket.UserID, handle string) (ticket.User, error) {
	handle = NormalizeHandle(handle)
	return r.touch(ctx, id, &handle)
}

// Seen records an interaction from user without changing the stored handle.
// An unknown user is registered with an empty handle.
func (r *Registry) Seen(ctx context.Context, id ticket.UserID) (ticket.User, error) {
	return r.touch(ctx, id, nil)
}

func (r *Registry) touch(ctx context.Context, id ticket.UserID, handle *string) (ticket.User, error) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		u = ticket.User{ID: id, FirstSeen: now}
	}
	if handle != nil {
		u.Handle = *handle
	}
	u.LastSeen = now

	if r.writer != nil {
		if err := r.writer.WriteUser(ctx, u); err != nil {
			return ticket.User{}, fmt.Errorf("touch user %d: %w", id, err)
		}
	}
	r.users[id] = u
	return u, nil
}

// Handle returns the latest handle for id.
func (r *Registry) Handle(id ticket.UserID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u.Handle, ok
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id ticket.UserID) (ticket.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// Len returns the number of known users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Export returns every user ordered by id.
func (r *Registry) Export() []ticket.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ticket.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load replaces the registry contents. It does not write through; callers
// restoring a snapshot persist the image themselves first.
func (r *Registry) Load(users []ticket.User) {
	m := make(map[ticket.UserID]ticket.User, len(users))
	for _, u := range users {
		m[u.ID] = u
	}

	r.mu.Lock()
	r.users = m
	r.mu.Unlock()
}

// Since returns the users seen at or after t, most recent first.
func (r *Registry) Since(t time.Time) []ticket.User {
	all := r.Export()
	out := all[:0]
	for _, u := range all {
		if !u.LastSeen.Before(t) {
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}
