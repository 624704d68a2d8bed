package store

import "testing"

func TestTerminalStatesAreSinks(t *testing.T) {
	terminals := []BuildStatus{StatusSuccess, StatusFailure, StatusError, StatusCanceled}
	all := []BuildStatus{StatusQueued, StatusWaiting, StatusRunning,
		StatusSuccess, StatusFailure, StatusError, StatusCanceled}
	for _, from := range terminals {
		for _, to := range all {
			if CanTransition(from, to) {
				t.Fatalf("transition out of terminal state allowed: %s -> %s", from, to)
			}
		}
	}
}

func TestLifecycleTransitions(t *testing.T) {
	cases := []struct {
		from, to BuildStatus
		ok       bool
	}{
		{StatusQueued, StatusWaiting, true},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCanceled, true},
		{StatusQueued, StatusSuccess, false},
		{StatusWaiting, StatusRunning, true},
		{StatusWaiting, StatusCanceled, true},
		{StatusWaiting, StatusQueued, false},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailure, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusCanceled, true},
		{StatusRunning, StatusQueued, false},
		{StatusRunning, StatusWaiting, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
