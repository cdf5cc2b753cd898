package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/clock"
	"github.com/roach88/ticketrelay/internal/ticket"
)

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

// createTestDB opens a fresh database in a temp dir.
func createTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestStore creates an empty store on a fresh database with a fake
// clock and the given ticket ids.
func createTestStore(t *testing.T, ids ...ticket.ID) (*Store, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	opts := []Option{WithClock(fc)}
	if len(ids) > 0 {
		opts = append(opts, WithIDGenerator(ticket.NewFixedGenerator(ids...)))
	}
	s, err := New(createTestDB(t), Image{}, opts...)
	require.NoError(t, err)
	return s, fc
}

// sampleImage returns a small valid image: one closed ticket and one open
// ticket for user 1, one open ticket for user 2.
func sampleImage() Image {
	return Image{
		Users: []ticket.User{
			{ID: 1, Handle: "alice", FirstSeen: epoch, LastSeen: epoch.Add(time.Hour)},
			{ID: 2, Handle: "bob", FirstSeen: epoch, LastSeen: epoch},
		},
		Tickets: []ticket.Ticket{
			{
				ID: "T-OLD", Owner: 1, Status: ticket.StatusClosed, HandleAtCreation: "alice_old",
				CreatedAt: epoch, ClosedAt: epoch.Add(time.Minute),
				Messages: []ticket.Message{
					{Seq: 1, Role: ticket.RoleUser, Content: ticket.Text("hello"), CreatedAt: epoch},
					{Seq: 2, Role: ticket.RoleStaff, Content: ticket.Text("hi"), CreatedAt: epoch},
				},
			},
			{
				ID: "T-A", Owner: 1, Status: ticket.StatusOpen, HandleAtCreation: "alice",
				CreatedAt: epoch.Add(time.Hour),
				Messages: []ticket.Message{
					{Seq: 3, Role: ticket.RoleUser, Content: ticket.Media(ticket.KindPhoto, "file-9", "look"), CreatedAt: epoch.Add(time.Hour)},
				},
			},
			{
				ID: "T-B", Owner: 2, Status: ticket.StatusOpen, HandleAtCreation: "bob",
				CreatedAt: epoch.Add(2 * time.Hour),
				Messages:  []ticket.Message{},
			},
		},
		Routes: []ticket.RouteLink{
			{StaffMessageID: 100, TicketID: "T-OLD", UserID: 1, CreatedAt: epoch},
			{StaffMessageID: 101, TicketID: "T-A", UserID: 1, CreatedAt: epoch.Add(time.Hour)},
		},
	}
}
