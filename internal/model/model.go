package model

import (
	"time"

	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// State is the lifecycle state of a submission. Transitions only happen
// through the dispatch state machine or staff actions, never ad hoc.
type State string

const (
	StateReceived              State = "received"
	StateWithdrawn             State = "withdrawn"
	StateSubmitted             State = "submitted"
	StateTestValidityPending   State = "test_validity_pending"
	StateTestValidityFailed    State = "test_validity_failed"
	StateTestFullPending       State = "test_full_pending"
	StateTestFullFailed        State = "test_full_failed"
	StateSubmittedTested       State = "submitted_tested"
	StateGradingInProgress     State = "grading_in_progress"
	StateGraded                State = "graded"
	StateClosed                State = "closed"
	StateClosedTestFullPending State = "closed_test_full_pending"
)

// PendingTest reports whether the state is waiting for an executor result.
func (s State) PendingTest() bool {
	switch s {
	case StateTestValidityPending, StateTestFullPending, StateClosedTestFullPending:
		return true
	}
	return false
}

// FailedStateFor maps a pending state to the state a timed-out or failed
// run moves the submission to. A closed submission under re-test simply
// returns to closed.
func FailedStateFor(s State) (State, bool) {
	switch s {
	case StateTestValidityPending:
		return StateTestValidityFailed, true
	case StateTestFullPending:
		return StateTestFullFailed, true
	case StateClosedTestFullPending:
		return StateClosed, true
	}
	return "", false
}

// ActionFor returns the protocol action an executor performs for a
// submission in the given pending state.
func ActionFor(s State) (string, bool) {
	switch s {
	case StateTestValidityPending:
		return jobproto.ActionValidity, true
	case StateTestFullPending, StateClosedTestFullPending:
		return jobproto.ActionFull, true
	}
	return "", false
}

// Assignment carries the slice of assignment metadata the dispatch
// protocol needs. The full assignment record lives in the web frontend.
type Assignment struct {
	ID              int64
	Title           string
	TestTimeoutSec  int
	HasValidityTest bool
	HasFullTest     bool
	Gradable        bool
	RequiresCompile bool
	ValidityScript  string // object key of the validation script archive
	FullScript      string // object key of the full test script archive
}

// TestMachine is a registered executor host, identified by its UUID.
type TestMachine struct {
	ID          int64
	UUID        string
	Address     string
	Config      string // JSON host facts blob from registration
	Enabled     bool
	LastContact time.Time
}

// Submission is a student's attempt at an assignment.
type Submission struct {
	ID           int64
	AssignmentID int64
	FileID       int64 // current upload, 0 when nothing was uploaded
	State        State
	Created      time.Time
	Modified     time.Time
}

// SubmissionFile is one uploaded attachment. A non-nil Fetched timestamp
// means the file is currently leased to some executor.
type SubmissionFile struct {
	ID         int64
	Path       string // object key in archive storage
	Name       string // original upload file name
	Checksum   string
	Fetched    *time.Time
	ReplacedBy int64 // superseding file id on re-upload, 0 if current
}

// Job is the unit handed to an executor. It is a materialized view over
// submission, file and assignment state, never persisted on its own.
type Job struct {
	SubmissionID int64
	FileID       int64
	AssignmentID int64
	Action       string
	TimeoutSec   int
	Compile      bool
	ArchivePath  string // object key of the submission archive
	FileName     string
	ScriptPath   string // object key of the validator script, empty for none
}

// TestResult is one applied executor report, kept as history.
type TestResult struct {
	ID           int64
	SubmissionID int64
	FileID       int64
	MachineID    int64
	Kind         string // protocol action that produced the result
	ErrorCode    int
	InfoStudent  string
	InfoTutor    string
	PerfData     string
	Created      time.Time
}

// Lease describes one currently leased submission file, as seen by the
// timeout reclamation pass.
type Lease struct {
	SubmissionID int64
	FileID       int64
	State        State
	Fetched      time.Time
	TimeoutSec   int
}
