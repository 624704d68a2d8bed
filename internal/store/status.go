package store

// BuildStatus is a build lifecycle state.
type BuildStatus string

const (
	StatusQueued   BuildStatus = "queued"
	StatusWaiting  BuildStatus = "waiting"
	StatusRunning  BuildStatus = "running"
	StatusSuccess  BuildStatus = "success"
	StatusFailure  BuildStatus = "failure"
	StatusError    BuildStatus = "error"
	StatusCanceled BuildStatus = "canceled"
)

// Terminal reports whether the status is a sink; no transition leaves it.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusError, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s BuildStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusWaiting, StatusRunning,
		StatusSuccess, StatusFailure, StatusError, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the build state machine allows from -> to.
// Canceled is reachable from any non-terminal state; the requeue path after
// a transient dispatch failure is handled by RequeueBuild, not here.
func CanTransition(from, to BuildStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusWaiting || to == StatusRunning || to == StatusCanceled
	case StatusWaiting:
		return to == StatusRunning || to == StatusCanceled || to == StatusWaiting
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailure || to == StatusError || to == StatusCanceled
	}
	return false
}
