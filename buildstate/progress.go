package buildstate

import (
	"math"

	"gobuild/monitor/shared/model"
)

// Progress returns a 0-100 estimate for b.
//
// Queued builds are 0 and terminal builds are 100 regardless of steps. In
// between, each finished step counts fully and the presence of any running
// step adds a flat half step, no matter how many steps are running, so the
// figure is an approximation rather than a weighted average. The result is
// rounded half to even and capped at 99 until the build itself finishes.
// Builds without steps fall back to the progress the server reported.
func Progress(b model.Build, reported *int) int {
	switch {
	case b.Status.Terminal():
		return 100
	case b.Status == model.BuildQueued:
		return 0
	}

	n := len(b.Steps)
	if n == 0 {
		if reported == nil {
			return 0
		}
		return clamp(*reported)
	}

	done, running := 0, 0
	for _, s := range b.Steps {
		switch {
		case s.Status.Terminal():
			done++
		case s.Status == model.StepRunning:
			running = 1
		}
	}
	pct := (float64(done) + 0.5*float64(running)) / float64(n) * 100
	return clamp(int(math.RoundToEven(pct)))
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}
