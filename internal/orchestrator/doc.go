// Package orchestrator drives the run-edge loop: it iterates an edge through
// the engine until the checklist converges, the iteration budget runs out, or
// a stall hands the edge off to a spawned child. Feature trajectories are
// updated after every iteration so the router always sees current state.
package orchestrator
