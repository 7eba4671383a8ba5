// Package spawn detects stalled edges and manages child investigations: it
// creates child feature records linked to a blocked parent, time-boxes them,
// and folds their outcome back so the parent can iterate again.
package spawn

import (
	"github.com/kingrea/converge/internal/eventlog"
	"github.com/kingrea/converge/internal/workflow"
)

// DefaultStallWindow is how many identical deltas in a row declare a stall.
const DefaultStallWindow = 3

// Stall describes a detected stall.
type Stall struct {
	Feature    string
	Edge       string
	Delta      int
	Window     int
	Iterations []int
}

// DetectStall scans iteration_completed events for the (feature, edge) pair.
// A stall is declared when the most recent window deltas are identical and
// greater than zero. Only iterations after the pair's latest fold-back count,
// so a parent unblocked by a child starts a fresh window. It is a pure
// function of the events.
func DetectStall(events []eventlog.Event, feature, edge string, window int) (Stall, bool) {
	if window <= 0 {
		window = DefaultStallWindow
	}
	edge = workflow.CanonicalEdgeName(edge)
	var deltas, iterations []int
	for _, ev := range events {
		if ev.EventType == eventlog.TypeSpawnFoldedBack {
			if ev.String("parent") == feature && workflow.CanonicalEdgeName(ev.String("edge")) == edge {
				deltas, iterations = deltas[:0], iterations[:0]
			}
			continue
		}
		if ev.EventType != eventlog.TypeIterationCompleted {
			continue
		}
		if ev.String("feature") != feature || workflow.CanonicalEdgeName(ev.String("edge")) != edge {
			continue
		}
		delta, ok := ev.Int("delta")
		if !ok {
			continue
		}
		iteration, _ := ev.Int("iteration")
		deltas = append(deltas, delta)
		iterations = append(iterations, iteration)
	}
	if len(deltas) < window {
		return Stall{}, false
	}
	recent := deltas[len(deltas)-window:]
	first := recent[0]
	if first <= 0 {
		return Stall{}, false
	}
	for _, delta := range recent[1:] {
		if delta != first {
			return Stall{}, false
		}
	}
	return Stall{
		Feature:    feature,
		Edge:       edge,
		Delta:      first,
		Window:     window,
		Iterations: append([]int(nil), iterations[len(iterations)-window:]...),
	}, true
}
