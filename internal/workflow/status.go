package workflow

// EdgeStatus is the trajectory state of one asset (or edge) for a feature.
type EdgeStatus string

const (
	StatusPending   EdgeStatus = "pending"
	StatusIterating EdgeStatus = "iterating"
	StatusConverged EdgeStatus = "converged"
	StatusBlocked   EdgeStatus = "blocked"
)

// CombineStatus folds the statuses of every trajectory key of a co-evolution
// edge into one: blocked wins, then iterating, and the edge is converged only
// when every side is.
func CombineStatus(statuses ...EdgeStatus) EdgeStatus {
	if len(statuses) == 0 {
		return StatusPending
	}
	converged := true
	iterating := false
	for _, status := range statuses {
		switch status {
		case StatusBlocked:
			return StatusBlocked
		case StatusIterating:
			iterating = true
		}
		if status != StatusConverged {
			converged = false
		}
	}
	switch {
	case converged:
		return StatusConverged
	case iterating:
		return StatusIterating
	default:
		return StatusPending
	}
}
