package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/troeger/opensubmit-sub000/internal/model"
	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

const testSecret = "49846zut93purfh977TTTiuhgalkjfnk89"

type fakeArchive struct {
	objects map[string]string
}

func (f *fakeArchive) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	content, ok := f.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("no such object: %s", key)
	}
	return io.NopCloser(strings.NewReader(content)), int64(len(content)), nil
}

func newTestRouter(store *fakeStore, notify *fakeNotifier, archive *fakeArchive) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := newTestService(store, notify)
	h := NewHandler(svc, archive, testSecret, "http://example.org", nil)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	h.RegisterRoutes(r)
	return r
}

func fetchJobRequest(secret, uuid string) *http.Request {
	return httptest.NewRequest(http.MethodGet,
		"/jobs/?Secret="+url.QueryEscape(secret)+"&UUID="+uuid, nil)
}

func TestFetchJobRejectsBadSecret(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakeNotifier{}, &fakeArchive{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, fetchJobRequest("wrong", "m1"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestFetchJobNothingToDo(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	r := newTestRouter(store, &fakeNotifier{}, &fakeArchive{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, fetchJobRequest(testSecret, "m1"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestFetchJobDemandsRegistration(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakeNotifier{}, &fakeArchive{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, fetchJobRequest(testSecret, "fresh-machine"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get(jobproto.HeaderAction); got != jobproto.ActionGetConfig {
		t.Fatalf("Action header = %q, want %q", got, jobproto.ActionGetConfig)
	}
	if w.Header().Get(jobproto.HeaderMachineID) == "" {
		t.Fatal("missing MachineId header")
	}
}

func TestFetchJobServesArchiveWithHeaders(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	store.job = &model.Job{
		SubmissionID: 100,
		FileID:       200,
		AssignmentID: 7,
		Action:       jobproto.ActionValidity,
		TimeoutSec:   60,
		Compile:      true,
		ArchivePath:  "submissions/200.zip",
		FileName:     "solution.zip",
		ScriptPath:   "validators/7_validity.zip",
	}
	archive := &fakeArchive{objects: map[string]string{
		"submissions/200.zip": "zipbytes",
	}}
	r := newTestRouter(store, &fakeNotifier{}, archive)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, fetchJobRequest(testSecret, "m1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	headers := map[string]string{
		jobproto.HeaderSubmissionFileID: "200",
		jobproto.HeaderSubmissionID:     "100",
		jobproto.HeaderAction:           jobproto.ActionValidity,
		jobproto.HeaderTimeout:          "60",
		jobproto.HeaderCompile:          "true",
	}
	for name, want := range headers {
		if got := w.Header().Get(name); got != want {
			t.Errorf("header %s = %q, want %q", name, got, want)
		}
	}
	validation := w.Header().Get(jobproto.HeaderPostRunValidation)
	if !strings.Contains(validation, "/download/validators/7") {
		t.Errorf("PostRunValidation = %q, want a validator download url", validation)
	}
	if body := w.Body.String(); body != "zipbytes" {
		t.Errorf("body = %q, want the archive bytes", body)
	}
}

func TestFetchJobMissingArchiveAlerts(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	store.job = &model.Job{
		SubmissionID: 100, FileID: 200, Action: jobproto.ActionValidity,
		TimeoutSec: 60, ArchivePath: "submissions/lost.zip",
	}
	notify := &fakeNotifier{}
	r := newTestRouter(store, notify, &fakeArchive{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, fetchJobRequest(testSecret, "m1"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if len(notify.alerts) != 1 {
		t.Fatalf("expected an admin alert for the missing archive, got %d", len(notify.alerts))
	}
}

func postForm(r *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReportAppliesResult(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	pendingSubmission(store, model.StateTestValidityPending, model.Assignment{Gradable: true})
	r := newTestRouter(store, &fakeNotifier{}, &fakeArchive{})

	w := postForm(r, "/jobs/", url.Values{
		jobproto.FieldSecret:           {testSecret},
		jobproto.FieldUUID:             {"m1"},
		jobproto.FieldSubmissionFileID: {"200"},
		jobproto.FieldAction:           {jobproto.ActionValidity},
		jobproto.FieldErrorCode:        {"0"},
		jobproto.FieldMessage:          {"All tests passed. Awesome!"},
		jobproto.FieldMessageTutor:     {"All tests passed."},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if got := store.submissions[100].State; got != model.StateSubmittedTested {
		t.Fatalf("state = %s, want %s", got, model.StateSubmittedTested)
	}
	if len(store.results) != 1 || store.results[0].MachineID != 1 {
		t.Fatalf("result not attributed to the machine: %+v", store.results)
	}
}

func TestReportUnknownFileIs404(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakeNotifier{}, &fakeArchive{})
	w := postForm(r, "/jobs/", url.Values{
		jobproto.FieldSecret:           {testSecret},
		jobproto.FieldUUID:             {"m1"},
		jobproto.FieldSubmissionFileID: {"999"},
		jobproto.FieldAction:           {jobproto.ActionValidity},
		jobproto.FieldErrorCode:        {"0"},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReportGetConfigStoresMachineConfig(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store, &fakeNotifier{}, &fakeArchive{})

	w := postForm(r, "/jobs/", url.Values{
		jobproto.FieldSecret: {testSecret},
		jobproto.FieldUUID:   {"m2"},
		jobproto.FieldAction: {jobproto.ActionGetConfig},
		jobproto.FieldConfig: {`[["Operating system","Linux"]]`},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if store.machines["m2"].Config == "" {
		t.Fatal("machine config was not stored")
	}
}

func TestRegisterMachine(t *testing.T) {
	store := newFakeStore()
	r := newTestRouter(store, &fakeNotifier{}, &fakeArchive{})

	w := postForm(r, "/machines/", url.Values{
		jobproto.FieldSecret:  {testSecret},
		jobproto.FieldUUID:    {"m3"},
		jobproto.FieldAddress: {"10.0.0.5"},
		jobproto.FieldConfig:  {`[["CPU","whatever"]]`},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	m := store.machines["m3"]
	if m.Address != "10.0.0.5" || m.Config == "" {
		t.Fatalf("registration not stored: %+v", m)
	}
}

// End to end over the fake store: a submission walks from validity
// pending to submitted_tested through two report posts.
func TestReportSequenceWalksStateMachine(t *testing.T) {
	store := newFakeStore()
	store.machines["m1"] = model.TestMachine{ID: 1, UUID: "m1", Enabled: true}
	pendingSubmission(store, model.StateTestValidityPending,
		model.Assignment{Gradable: true, HasFullTest: true})
	notify := &fakeNotifier{}
	r := newTestRouter(store, notify, &fakeArchive{})

	report := func(action string) {
		t.Helper()
		w := postForm(r, "/jobs/", url.Values{
			jobproto.FieldSecret:           {testSecret},
			jobproto.FieldUUID:             {"m1"},
			jobproto.FieldSubmissionFileID: {"200"},
			jobproto.FieldAction:           {action},
			jobproto.FieldErrorCode:        {"0"},
			jobproto.FieldMessage:          {"ok"},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("report %s: status = %d, want 201", action, w.Code)
		}
	}

	report(jobproto.ActionValidity)
	if got := store.submissions[100].State; got != model.StateTestFullPending {
		t.Fatalf("after validity: state = %s", got)
	}
	report(jobproto.ActionFull)
	if got := store.submissions[100].State; got != model.StateSubmittedTested {
		t.Fatalf("after full: state = %s", got)
	}
	if len(notify.studentMsgs) != 1 {
		t.Fatalf("only the validity result should reach the student, got %d messages", len(notify.studentMsgs))
	}
}
