package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/testutil"
	"github.com/roach88/ticketrelay/internal/ticket"
)

// seedViews builds: user 1 with a closed T1 and an open T3, user 2 with an
// open T2.
func seedViews(t *testing.T) (*Engine, *testutil.State) {
	t.Helper()
	e, st, _ := newTestEngine(t, []ticket.ID{"T1", "T2", "T3"})
	ctx := context.Background()

	_, err := e.Handle(ctx, userMsg(1, "ann", "printer on fire"))
	require.NoError(t, err)
	st.Clock.Advance(time.Minute)
	_, err = e.Handle(ctx, Event{Type: EventStaffReply, ReplyTo: 1001, Content: ticket.Text("have you tried water")})
	require.NoError(t, err)
	st.Clock.Advance(time.Minute)
	_, err = e.Handle(ctx, Event{Type: EventStaffClose, TicketID: "T1"})
	require.NoError(t, err)

	st.Clock.Advance(time.Minute)
	_, err = e.Handle(ctx, userMsg(2, "ben", "hello"))
	require.NoError(t, err)

	st.Clock.Advance(time.Minute)
	_, err = e.Handle(ctx, userMsg(1, "ann_new", "new problem"))
	require.NoError(t, err)
	return e, st
}

func TestStatusView(t *testing.T) {
	e, _ := seedViews(t)

	s, err := e.Status(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusClosed, s.Status)
	assert.Equal(t, "ann", s.HandleAtCreation)
	assert.Equal(t, "ann_new", s.Handle)
	assert.Equal(t, 2, s.Messages)
	assert.Equal(t, testutil.Epoch.Add(2*time.Minute), s.ClosedAt)
	assert.Equal(t, s.ClosedAt, s.LastActivity)

	_, err = e.Status(context.Background(), "T9")
	assert.True(t, ticket.IsNotFound(err))
}

func TestWhichView(t *testing.T) {
	e, _ := seedViews(t)

	u, err := e.Which(context.Background(), "T1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.ID)
	assert.Equal(t, "ann_new", u.Handle)
}

func TestProfileView(t *testing.T) {
	e, _ := seedViews(t)

	p, err := e.Profile(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, "T3", p.ActiveTicket)
	assert.Equal(t, 2, p.Tickets)
	assert.Equal(t, testutil.Epoch, p.User.FirstSeen)

	_, err = e.Profile(context.Background(), 77)
	assert.True(t, ticket.IsNotFound(err))
}

func TestOpenTicketsView(t *testing.T) {
	e, _ := seedViews(t)

	open, err := e.OpenTickets(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.EqualValues(t, "T2", open[0].ID)
	assert.EqualValues(t, "T3", open[1].ID)
}

func TestHistoryView(t *testing.T) {
	e, _ := seedViews(t)

	h, err := e.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.EqualValues(t, "T1", h[0].ID)
	assert.EqualValues(t, "T3", h[1].ID)

	_, err = e.History(context.Background(), 77)
	assert.True(t, ticket.IsNotFound(err))
}

func TestUsersView(t *testing.T) {
	e, _ := seedViews(t)

	users, err := e.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.EqualValues(t, 1, users[0].ID, "most recently seen first")
	assert.EqualValues(t, 2, users[1].ID)
}

func TestTranscriptGolden(t *testing.T) {
	e, st, _ := newTestEngine(t, []ticket.ID{"T1"}, WithLocation(time.FixedZone("UTC+6", 6*60*60)))
	ctx := context.Background()

	_, err := e.Handle(ctx, userMsg(1, "ann", "printer on fire"))
	require.NoError(t, err)
	st.Clock.Advance(90 * time.Second)
	_, err = e.Handle(ctx, Event{
		Type: EventUserMessage, UserID: 1, Handle: handleOf("ann"),
		Content: ticket.Media(ticket.KindPhoto, "ph-1", "see smoke"),
	})
	require.NoError(t, err)
	st.Clock.Advance(time.Minute)
	_, err = e.Handle(ctx, Event{Type: EventStaffReply, ReplyTo: 1001, Content: ticket.Text("on our way")})
	require.NoError(t, err)
	st.Clock.Advance(time.Hour)
	_, err = e.Handle(ctx, Event{Type: EventStaffClose, TicketID: "T1"})
	require.NoError(t, err)

	out, err := e.Transcript(ctx, "T1")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "transcript", []byte(out))
}

func TestTranscriptEmptyTicket(t *testing.T) {
	e, st, _ := newTestEngine(t, []ticket.ID{"T1"})

	_, err := e.Handle(context.Background(), Event{Type: EventOpenTicket, UserID: 4})
	require.NoError(t, err)

	out, err := e.Transcript(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "Ticket T1\n"+
		"User: (no username) (id 4)\n"+
		"Status: open\n"+
		"Opened: "+st.Clock.Now().Format(transcriptTimeFormat)+"\n"+
		"\n"+
		"(no messages)\n", out)
}
