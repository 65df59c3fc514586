package game

import (
	"time"
)

// Runner drives an engine at a fixed tick rate. A run always completes:
// once the ball is dropped there is no way to stop it short of settlement.
type Runner struct {
	Interval time.Duration
}

func NewRunner(interval time.Duration) Runner {
	return Runner{Interval: interval}
}

// Run steps pe until it settles and passes every frame to onFrame. With a
// zero interval it runs as fast as possible on the calling goroutine.
func (r Runner) Run(pe *PhysicsEngine, onFrame func(Frame)) Result {
	if !pe.InFlight() && !pe.Resolved() {
		return Result{}
	}

	if r.Interval <= 0 {
		for {
			res, done := pe.Step()
			if onFrame != nil {
				onFrame(pe.Frame())
			}
			if done {
				return res
			}
		}
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for range ticker.C {
		res, done := pe.Step()
		if onFrame != nil {
			onFrame(pe.Frame())
		}
		if done {
			return res
		}
	}
	return Result{}
}
