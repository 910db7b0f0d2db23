package dispatch

import (
	"github.com/troeger/opensubmit-sub000/internal/model"
	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// Effect carries the side effects an applied transition asks for.
// Full test runs are a quiet backend activity; the student hears about
// validity results and about the final close of the submission.
type Effect struct {
	NotifyStudent bool
}

// nextState computes the state a submission moves to when a report for
// the given action arrives. The third return value is false when the
// action does not match the current state, which callers treat as a
// late or duplicate report.
func nextState(action string, current model.State, errorCode int, a model.Assignment) (model.State, Effect, bool) {
	switch {
	case action == jobproto.ActionValidity && current == model.StateTestValidityPending:
		if errorCode != 0 {
			return model.StateTestValidityFailed, Effect{NotifyStudent: true}, true
		}
		if a.HasFullTest {
			return model.StateTestFullPending, Effect{NotifyStudent: true}, true
		}
		return passedFinalState(a), Effect{NotifyStudent: true}, true

	case action == jobproto.ActionFull && current == model.StateTestFullPending:
		if errorCode != 0 {
			return model.StateTestFullFailed, Effect{}, true
		}
		// On ungraded assignments a passing full test is the end of the
		// submission's life, and that final close reaches the student.
		next := passedFinalState(a)
		return next, Effect{NotifyStudent: next == model.StateClosed}, true

	case action == jobproto.ActionFull && current == model.StateClosedTestFullPending:
		// Re-runs on closed submissions always return to closed,
		// the result text is kept for the graders only.
		return model.StateClosed, Effect{}, true
	}
	return "", Effect{}, false
}

// passedFinalState is where a submission lands once all configured
// test stages passed. Ungraded assignments close right away.
func passedFinalState(a model.Assignment) model.State {
	if a.Gradable {
		return model.StateSubmittedTested
	}
	return model.StateClosed
}
