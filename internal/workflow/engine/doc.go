// Package engine runs one convergence iteration for an edge: it resolves the
// checklist, dispatches every check in order, computes delta, and appends the
// iteration events. Deciding what happens next belongs to the caller.
package engine
