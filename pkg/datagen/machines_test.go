package datagen

import (
	"testing"
	"time"

	"github.com/plantsim/plantsim/pkg/simclock"
)

// A wear-forced tool change resets the wear immediately but defers the
// SETUP transition to the next tick, so the tick that triggered it still
// reports the state the machine was cutting in.
func TestCNCWearForcedToolChangeDefersSetup(t *testing.T) {
	clock := simclock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	g := New("cnc_cells_000", nil, clock)
	g.cnc = cncState{
		initialized: true,
		state:       cncRunning,
		spindleSet:  true,
		spindle:     12000,
		feedSet:     true,
		feed:        5000,
		wearSet:     true,
		toolWear:    95,
	}

	snap := g.Produce("cnc_machine")
	if state := snap["machine_state"].(string); state == cncSetup {
		t.Errorf("tool-change tick reported SETUP, want the pre-change state")
	}
	if wear := snap["tool_wear_percent"].(float64); wear != 0 {
		t.Errorf("tool wear after change = %v, want 0", wear)
	}

	clock.Advance(time.Second)
	snap = g.Produce("cnc_machine")
	if state := snap["machine_state"].(string); state != cncSetup {
		t.Errorf("tick after tool change reported %q, want SETUP", state)
	}
}
