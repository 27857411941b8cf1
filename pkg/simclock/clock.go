// Package simclock provides an injectable time source so that data-pattern
// state machines can be driven deterministically in tests.
package simclock

import "time"

// Clock supplies the current wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	current time.Time
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{current: t} }

func (f *Fake) Now() time.Time { return f.current }

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.current = f.current.Add(d) }

// Set moves the clock to an absolute instant.
func (f *Fake) Set(t time.Time) { f.current = t }
