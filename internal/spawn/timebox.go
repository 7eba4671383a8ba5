package spawn

import (
	"time"

	"github.com/kingrea/converge/internal/feature"
)

// TimeBoxState is the state of a child's time-box.
type TimeBoxState string

const (
	TimeBoxActive   TimeBoxState = "active"
	TimeBoxExpired  TimeBoxState = "expired"
	TimeBoxDisabled TimeBoxState = "disabled"
)

// TimeBoxStatus reports whether tb is active, expired, or disabled at now.
func TimeBoxStatus(tb *feature.TimeBox, now time.Time) TimeBoxState {
	if tb == nil || !tb.Enabled {
		return TimeBoxDisabled
	}
	if now.Before(tb.Deadline()) {
		return TimeBoxActive
	}
	return TimeBoxExpired
}
