// Package router picks the next edge a feature should iterate, given the
// profile's ordered edge lists and the feature's trajectory.
package router
