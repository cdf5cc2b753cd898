package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/store"
)

func TestNewStateIsEmpty(t *testing.T) {
	st := NewState(t)

	img := st.Image()
	assert.Empty(t, img.Tickets)
	assert.Empty(t, img.Users)
	assert.Equal(t, Epoch, st.Clock.Now())
}

func TestSeedPersists(t *testing.T) {
	st := NewState(t, "T-1")
	id := st.Seed(t, 7, "gil", "first", "second")
	assert.EqualValues(t, "T-1", id)

	img, err := store.ReadDatabase(context.Background(), st.Path)
	require.NoError(t, err)
	require.Len(t, img.Tickets, 1)
	assert.Len(t, img.Tickets[0].Messages, 2)
	require.Len(t, img.Users, 1)
	assert.Equal(t, "gil", img.Users[0].Handle)
	assert.Equal(t, st.Image(), img)
}
