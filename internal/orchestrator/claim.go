package orchestrator

import "context"

// Claimer guards a (feature, edge) pair against concurrent runners. The
// returned release func must be called once the run ends.
type Claimer interface {
	Claim(ctx context.Context, feature, edge string) (release func(), err error)
}

// NopClaimer grants every claim. A single writer per feature is assumed.
type NopClaimer struct{}

// Claim implements Claimer.
func (NopClaimer) Claim(context.Context, string, string) (func(), error) {
	return func() {}, nil
}
