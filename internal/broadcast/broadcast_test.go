package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubTopicFilter(t *testing.T) {
	h := NewHub()
	defer h.Close()

	all := h.Subscribe()
	trades := h.Subscribe("trades")

	h.Publish("trades", "s1", map[string]int{"price": 50})
	h.Publish("sessions", "s1", nil)

	require.Len(t, drain(all), 2)
	evs := drain(trades)
	require.Len(t, evs, 1)
	assert.Equal(t, "trades", evs[0].Topic)
	assert.Equal(t, "s1", evs[0].SessionID)
}

func TestHubSlowSubscriberDrops(t *testing.T) {
	h := NewHub()
	defer h.Close()

	sub := h.Subscribe("trades")
	for i := 0; i < 200; i++ {
		h.Publish("trades", "s1", i)
	}
	// Buffer is 64; the rest were dropped, not blocked on.
	assert.Len(t, drain(sub), 64)
}

func TestHubCancelAndClose(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe()
	sub.Cancel()
	sub.Cancel() // safe to repeat

	h.Publish("sessions", "s1", nil)
	_, open := <-sub.C
	assert.False(t, open)

	h.Close()
	late := h.Subscribe()
	_, open = <-late.C
	assert.False(t, open)
}

func drain(s *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-s.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}
