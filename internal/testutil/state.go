// Package testutil provides shared fixtures for package tests: a fresh
// on-disk relay state with a fake clock and deterministic ticket ids.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/identity"
	"github.com/roach88/ticketrelay/internal/store"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// State is a live store and registry over a temp-dir database.
type State struct {
	Path     string
	DB       *store.DB
	Store    *store.Store
	Registry *identity.Registry
	Clock    *clock.FakeClock
}

// NewState opens an empty state. When ids are given, tickets receive them
// in order; the generator panics once they run out.
func NewState(t testing.TB, ids ...ticket.ID) *State {
	t.Helper()
	return NewStateWith(t, nil, ids...)
}

// NewStateWith is NewState with extra store options.
func NewStateWith(t testing.TB, opts []store.Option, ids ...ticket.ID) *State {
	t.Helper()

	fc := clock.Fake(Epoch)
	path := filepath.Join(t.TempDir(), "relay.db")

	storeOpts := []store.Option{store.WithClock(fc)}
	if len(ids) > 0 {
		storeOpts = append(storeOpts, store.WithIDGenerator(ticket.NewFixedGenerator(ids...)))
	}
	storeOpts = append(storeOpts, opts...)

	s, img, err := store.Open(context.Background(), path, storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.DB().Close() })

	reg := identity.New(img.Users,
		identity.WithWriter(s.DB()),
		identity.WithClock(fc),
	)

	return &State{
		Path:     path,
		DB:       s.DB(),
		Store:    s,
		Registry: reg,
		Clock:    fc,
	}
}

// Image returns the full current state the way a snapshot captures it.
func (st *State) Image() store.Image {
	img := st.Store.Export()
	img.Users = st.Registry.Export()
	return img
}

// Seed opens a ticket for user with the given messages and returns its id.
func (st *State) Seed(t testing.TB, user ticket.UserID, handle string, texts ...string) ticket.ID {
	t.Helper()
	ctx := context.Background()

	_, err := st.Registry.Touch(ctx, user, handle)
	require.NoError(t, err)
	id, err := st.Store.CreateTicket(ctx, user, handle)
	require.NoError(t, err)
	for _, text := range texts {
		_, err := st.Store.AppendMessage(ctx, id, ticket.RoleUser, ticket.Text(text))
		require.NoError(t, err)
	}
	return id
}
