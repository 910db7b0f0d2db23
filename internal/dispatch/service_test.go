package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/troeger/opensubmit-sub000/internal/model"
	"github.com/troeger/opensubmit-sub000/internal/repository"
	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// fakeStore is an in-memory Store good enough to drive the service
// through its decision paths.
type fakeStore struct {
	machines    map[string]model.TestMachine
	submissions map[int64]*repository.SubmissionInfo
	leases      []model.Lease
	job         *model.Job
	results     []model.TestResult
	advances    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		machines:    map[string]model.TestMachine{},
		submissions: map[int64]*repository.SubmissionInfo{},
	}
}

func (f *fakeStore) TouchMachine(_ context.Context, uuid string) (model.TestMachine, bool, error) {
	m, ok := f.machines[uuid]
	return m, ok, nil
}

func (f *fakeStore) CreateMachine(_ context.Context, uuid string) (model.TestMachine, error) {
	m := model.TestMachine{ID: int64(len(f.machines) + 1), UUID: uuid}
	f.machines[uuid] = m
	return m, nil
}

func (f *fakeStore) SaveMachineConfig(_ context.Context, uuid, address, config string) error {
	m := f.machines[uuid]
	m.UUID = uuid
	m.Address = address
	m.Config = config
	f.machines[uuid] = m
	return nil
}

func (f *fakeStore) ExpiredLeases(context.Context) ([]model.Lease, error) {
	return f.leases, nil
}

func (f *fakeStore) ReclaimLease(_ context.Context, submissionID, fileID int64, from, to model.State) (bool, error) {
	return f.cas(submissionID, from, to), nil
}

func (f *fakeStore) ClaimNextJob(context.Context, int64, bool) (*model.Job, error) {
	j := f.job
	f.job = nil
	return j, nil
}

func (f *fakeStore) SubmissionForFile(_ context.Context, fileID int64) (repository.SubmissionInfo, error) {
	for _, info := range f.submissions {
		if info.FileID == fileID {
			return *info, nil
		}
	}
	return repository.SubmissionInfo{}, repository.ErrNotFound
}

func (f *fakeStore) AdvanceSubmission(_ context.Context, submissionID, fileID int64, from, to model.State) (bool, error) {
	return f.cas(submissionID, from, to), nil
}

func (f *fakeStore) cas(submissionID int64, from, to model.State) bool {
	info, ok := f.submissions[submissionID]
	if !ok || info.State != from {
		return false
	}
	info.State = to
	f.advances = append(f.advances, string(from)+"->"+string(to))
	return true
}

func (f *fakeStore) SaveTestResult(_ context.Context, r *model.TestResult) error {
	f.results = append(f.results, *r)
	return nil
}

func (f *fakeStore) ValidatorScriptKey(context.Context, int64, bool) (string, error) {
	return "", repository.ErrNotFound
}

type fakeNotifier struct {
	studentMsgs []string
	alerts      []string
}

func (f *fakeNotifier) NotifyStudent(_ context.Context, _ int64, _ model.State, message string) error {
	f.studentMsgs = append(f.studentMsgs, message)
	return nil
}

func (f *fakeNotifier) AlertAdmins(_ context.Context, subject, _ string) error {
	f.alerts = append(f.alerts, subject)
	return nil
}

func newTestService(store *fakeStore, notify *fakeNotifier) *Service {
	return NewService(store, notify, "full_first", nil)
}

func pendingSubmission(store *fakeStore, state model.State, a model.Assignment) {
	store.submissions[100] = &repository.SubmissionInfo{
		SubmissionID: 100,
		FileID:       200,
		State:        state,
		Assignment:   a,
	}
}

func TestFetchJobUnknownMachineDemandsRegistration(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeNotifier{})

	res, err := svc.FetchJob(context.Background(), "aaaa-bbbb")
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if !res.NeedsRegistration {
		t.Fatal("expected registration demand for unknown machine")
	}
	if _, ok := store.machines["aaaa-bbbb"]; !ok {
		t.Fatal("machine record was not created")
	}
}

func TestFetchJobDisabledMachineGetsNothing(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: false}
	store.job = &model.Job{SubmissionID: 100, FileID: 200}
	svc := newTestService(store, &fakeNotifier{})

	res, err := svc.FetchJob(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if res.NeedsRegistration || res.Job != nil {
		t.Fatalf("disabled machine got work: %+v", res)
	}
}

func TestFetchJobIssuesClaimedJob(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	store.job = &model.Job{SubmissionID: 100, FileID: 200, Action: jobproto.ActionValidity}
	svc := newTestService(store, &fakeNotifier{})

	res, err := svc.FetchJob(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if res.Job == nil || res.Job.FileID != 200 {
		t.Fatalf("expected the claimed job, got %+v", res)
	}
}

func TestReclaimExpiredFailsSubmissionExactlyOnce(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	pendingSubmission(store, model.StateTestValidityPending, model.Assignment{Gradable: true})
	store.leases = []model.Lease{{
		SubmissionID: 100, FileID: 200,
		State: model.StateTestValidityPending, Fetched: time.Now().Add(-time.Hour), TimeoutSec: 60,
	}}
	notify := &fakeNotifier{}
	svc := newTestService(store, notify)

	if _, err := svc.FetchJob(context.Background(), "m1"); err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if got := store.submissions[100].State; got != model.StateTestValidityFailed {
		t.Fatalf("state = %s, want %s", got, model.StateTestValidityFailed)
	}
	if len(store.results) != 1 || store.results[0].ErrorCode != jobproto.UnspecificError {
		t.Fatalf("expected one timeout result, got %+v", store.results)
	}
	if len(notify.studentMsgs) != 1 {
		t.Fatalf("expected one student notification, got %d", len(notify.studentMsgs))
	}

	// A second pass over the same stale lease list must not fire again.
	if _, err := svc.FetchJob(context.Background(), "m1"); err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if len(store.results) != 1 || len(notify.studentMsgs) != 1 {
		t.Fatal("reclamation fired twice for the same lease")
	}
}

func TestReclaimFullTestIsSilent(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	pendingSubmission(store, model.StateTestFullPending, model.Assignment{Gradable: true, HasFullTest: true})
	store.leases = []model.Lease{{
		SubmissionID: 100, FileID: 200,
		State: model.StateTestFullPending, Fetched: time.Now().Add(-time.Hour), TimeoutSec: 60,
	}}
	notify := &fakeNotifier{}
	svc := newTestService(store, notify)

	if _, err := svc.FetchJob(context.Background(), "m1"); err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	if got := store.submissions[100].State; got != model.StateTestFullFailed {
		t.Fatalf("state = %s, want %s", got, model.StateTestFullFailed)
	}
	if len(notify.studentMsgs) != 0 {
		t.Fatalf("full test timeout must not notify the student, got %v", notify.studentMsgs)
	}
}

func TestApplyReportAdvancesAndNotifies(t *testing.T) {
	store := newFakeStore()
	pendingSubmission(store, model.StateTestValidityPending,
		model.Assignment{Gradable: true, HasFullTest: true})
	notify := &fakeNotifier{}
	svc := newTestService(store, notify)

	err := svc.ApplyReport(context.Background(), Report{
		FileID: 200, Action: jobproto.ActionValidity, ErrorCode: 0,
		Message: "All tests passed. Awesome!", MessageTutor: "All tests passed.",
	})
	if err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
	if got := store.submissions[100].State; got != model.StateTestFullPending {
		t.Fatalf("state = %s, want %s", got, model.StateTestFullPending)
	}
	if len(store.results) != 1 {
		t.Fatalf("expected one stored result, got %d", len(store.results))
	}
	if len(notify.studentMsgs) != 1 {
		t.Fatalf("expected a student notification, got %d", len(notify.studentMsgs))
	}
}

func TestApplyReportIsIdempotent(t *testing.T) {
	store := newFakeStore()
	pendingSubmission(store, model.StateTestValidityPending, model.Assignment{Gradable: true})
	notify := &fakeNotifier{}
	svc := newTestService(store, notify)

	rep := Report{FileID: 200, Action: jobproto.ActionValidity, ErrorCode: 1, Message: "boom"}
	if err := svc.ApplyReport(context.Background(), rep); err != nil {
		t.Fatalf("first ApplyReport: %v", err)
	}
	if err := svc.ApplyReport(context.Background(), rep); err != nil {
		t.Fatalf("duplicate ApplyReport: %v", err)
	}
	if got := store.submissions[100].State; got != model.StateTestValidityFailed {
		t.Fatalf("state = %s, want %s", got, model.StateTestValidityFailed)
	}
	if len(store.advances) != 1 {
		t.Fatalf("duplicate report mutated state again: %v", store.advances)
	}
	if len(store.results) != 1 {
		t.Fatalf("duplicate report stored another result: %d", len(store.results))
	}
}

func TestApplyReportUnknownFile(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeNotifier{})
	err := svc.ApplyReport(context.Background(), Report{FileID: 999, Action: jobproto.ActionValidity})
	if !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("err = %v, want ErrUnknownFile", err)
	}
}

func TestApplyReportUnrecognizedActionAlertsAdmins(t *testing.T) {
	store := newFakeStore()
	pendingSubmission(store, model.StateTestValidityPending, model.Assignment{Gradable: true})
	notify := &fakeNotifier{}
	svc := newTestService(store, notify)

	err := svc.ApplyReport(context.Background(), Report{FileID: 200, Action: "test_compile"})
	if err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
	if got := store.submissions[100].State; got != model.StateTestValidityPending {
		t.Fatalf("unrecognized action mutated state to %s", got)
	}
	if len(notify.alerts) != 1 {
		t.Fatalf("expected an admin alert, got %d", len(notify.alerts))
	}
}

func TestApplyReportOnClosedRerunKeepsQuiet(t *testing.T) {
	store := newFakeStore()
	pendingSubmission(store, model.StateClosedTestFullPending,
		model.Assignment{Gradable: true, HasFullTest: true})
	notify := &fakeNotifier{}
	svc := newTestService(store, notify)

	err := svc.ApplyReport(context.Background(), Report{
		FileID: 200, Action: jobproto.ActionFull, ErrorCode: 3, Message: "regression",
	})
	if err != nil {
		t.Fatalf("ApplyReport: %v", err)
	}
	if got := store.submissions[100].State; got != model.StateClosed {
		t.Fatalf("state = %s, want %s", got, model.StateClosed)
	}
	if len(notify.studentMsgs) != 0 {
		t.Fatal("closed rerun must not notify the student")
	}
}
