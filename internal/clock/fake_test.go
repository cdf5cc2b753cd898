package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAndAdvance(t *testing.T) {
	c := Fake(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, epoch.Add(90*time.Minute), c.Now())
}

func TestFakeAfter(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("did not fire after advance")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) must fire immediately")
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Hour)
	require.Equal(t, 1, c.PendingCount())

	c.Advance(time.Hour)
	<-ticker.C

	// Spanning three intervals with nobody reading keeps one tick buffered.
	c.Advance(3 * time.Hour)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("overflow ticks must be dropped")
	default:
	}

	ticker.Stop()
	assert.Equal(t, 0, c.PendingCount())
	c.Advance(time.Hour)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)
	<-done
}

func TestNewTickerPanicsOnZero(t *testing.T) {
	assert.Panics(t, func() { Fake(epoch).NewTicker(0) })
}
