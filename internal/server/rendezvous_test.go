package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRendezvousFiresOnceEitherOrder(t *testing.T) {
	orderings := [][]serviceEvent{
		{httpConnected, wsConnected},
		{wsConnected, httpConnected},
	}

	for _, order := range orderings {
		r := rendezvous{}
		var fired []bool
		for _, ev := range order {
			var fire bool
			r, fire = r.step(ev)
			fired = append(fired, fire)
		}
		assert.Equal(t, []bool{false, true}, fired, "order %v", order)
	}
}

func TestRendezvousDuplicateEventsDoNotRefire(t *testing.T) {
	r := rendezvous{}
	r, fire := r.step(httpConnected)
	assert.False(t, fire)

	r, fire = r.step(wsConnected)
	assert.True(t, fire)

	// Duplicates after the edge must not fire again.
	r, fire = r.step(wsConnected)
	assert.False(t, fire)
	_, fire = r.step(httpConnected)
	assert.False(t, fire)
}

func TestRendezvousSingleServiceNeverFires(t *testing.T) {
	r := rendezvous{}
	var fire bool
	for i := 0; i < 3; i++ {
		r, fire = r.step(httpConnected)
		assert.False(t, fire)
	}
}
