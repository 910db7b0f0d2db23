package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/troeger/opensubmit-sub000/internal/model"
	"github.com/troeger/opensubmit-sub000/internal/repository"
	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// Canned result texts for leases reclaimed after a timeout.
const (
	timeoutMsgStudent = "Killed due to non-reaction on timeout signals. Please check your application for deadlocks or keyboard input."
	timeoutMsgTutor   = "Killed due to non-reaction on timeout signals. Student not informed, since this was the full test."
)

// Store is the persistence surface the dispatcher needs. Implemented
// by repository.PostgresStore, faked in tests.
type Store interface {
	TouchMachine(ctx context.Context, uuid string) (model.TestMachine, bool, error)
	CreateMachine(ctx context.Context, uuid string) (model.TestMachine, error)
	SaveMachineConfig(ctx context.Context, uuid, address, config string) error
	ExpiredLeases(ctx context.Context) ([]model.Lease, error)
	ReclaimLease(ctx context.Context, submissionID, fileID int64, from, to model.State) (bool, error)
	ClaimNextJob(ctx context.Context, machineID int64, validityFirst bool) (*model.Job, error)
	SubmissionForFile(ctx context.Context, fileID int64) (repository.SubmissionInfo, error)
	AdvanceSubmission(ctx context.Context, submissionID, fileID int64, from, to model.State) (bool, error)
	SaveTestResult(ctx context.Context, r *model.TestResult) error
	ValidatorScriptKey(ctx context.Context, assignmentID int64, full bool) (string, error)
}

// Notifier fans out notification events. Implemented by
// repository.RedisNotifier; the mail frontend consumes the streams.
type Notifier interface {
	NotifyStudent(ctx context.Context, submissionID int64, state model.State, message string) error
	AlertAdmins(ctx context.Context, subject, detail string) error
}

// ErrUnknownFile is returned for reports naming a file id the store
// does not know.
var ErrUnknownFile = errors.New("unknown submission file")

// Service is the authoritative job dispatch state machine.
type Service struct {
	store         Store
	notify        Notifier
	validityFirst bool
	log           *slog.Logger
}

func NewService(store Store, notify Notifier, queuePolicy string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:         store,
		notify:        notify,
		validityFirst: queuePolicy == "validity_first",
		log:           log.With("component", "dispatch"),
	}
}

// FetchResult is the outcome of one executor poll.
type FetchResult struct {
	NeedsRegistration bool
	MachineID         int64
	Job               *model.Job
}

// FetchJob runs one poll cycle for the machine with the given UUID:
// refresh or create the machine record, reclaim expired leases, then
// lease the best matching pending submission.
func (s *Service) FetchJob(ctx context.Context, uuid string) (FetchResult, error) {
	machine, known, err := s.store.TouchMachine(ctx, uuid)
	if err != nil {
		return FetchResult{}, err
	}
	if !known {
		machine, err = s.store.CreateMachine(ctx, uuid)
		if err != nil {
			return FetchResult{}, err
		}
		s.log.Info("Unknown test machine, demanding registration", "uuid", uuid)
		return FetchResult{NeedsRegistration: true, MachineID: machine.ID}, nil
	}
	if !machine.Enabled {
		s.log.Debug("Disabled test machine polled", "uuid", uuid)
		return FetchResult{}, nil
	}

	// Stale leases are reclaimed lazily on every poll instead of by a
	// background timer. Failures here must not block job dispatch.
	if err := s.reclaimExpired(ctx); err != nil {
		s.log.Error("Lease reclamation failed", "error", err)
	}

	job, err := s.store.ClaimNextJob(ctx, machine.ID, s.validityFirst)
	if err != nil {
		return FetchResult{}, err
	}
	if job == nil {
		return FetchResult{}, nil
	}
	jobsIssued.WithLabelValues(job.Action).Inc()
	s.log.Info("Issued job",
		"submission_id", job.SubmissionID,
		"file_id", job.FileID,
		"action", job.Action,
		"machine", uuid,
	)
	return FetchResult{Job: job}, nil
}

func (s *Service) reclaimExpired(ctx context.Context) error {
	leases, err := s.store.ExpiredLeases(ctx)
	if err != nil {
		return err
	}
	for _, l := range leases {
		failed, ok := model.FailedStateFor(l.State)
		if !ok {
			continue
		}
		applied, err := s.store.ReclaimLease(ctx, l.SubmissionID, l.FileID, l.State, failed)
		if err != nil {
			return err
		}
		if !applied {
			// Someone else reclaimed or a late report landed first.
			continue
		}
		leasesReclaimed.Inc()
		s.log.Warn("Reclaimed expired lease",
			"submission_id", l.SubmissionID,
			"file_id", l.FileID,
			"state", string(l.State),
			"timeout_sec", l.TimeoutSec,
		)

		msg := timeoutMsgTutor
		notifyStudent := l.State == model.StateTestValidityPending
		if notifyStudent {
			msg = timeoutMsgStudent
		}
		kind, _ := model.ActionFor(l.State)
		result := &model.TestResult{
			SubmissionID: l.SubmissionID,
			FileID:       l.FileID,
			Kind:         kind,
			ErrorCode:    jobproto.UnspecificError,
			InfoStudent:  msg,
			InfoTutor:    msg,
		}
		if err := s.store.SaveTestResult(ctx, result); err != nil {
			s.log.Error("Saving timeout result failed", "submission_id", l.SubmissionID, "error", err)
		}
		if notifyStudent {
			if err := s.notify.NotifyStudent(ctx, l.SubmissionID, failed, msg); err != nil {
				s.log.Error("Student notification failed", "submission_id", l.SubmissionID, "error", err)
			}
		}
	}
	return nil
}

// Report is one executor result as received on the wire.
type Report struct {
	FileID       int64
	Action       string
	ErrorCode    int
	Message      string
	MessageTutor string
	PerfData     string
	MachineID    int64
}

// ApplyReport applies one executor report to the state machine. Late
// or duplicate reports are logged and dropped without touching state;
// reports with an unrecognized action raise an admin alert. Neither is
// an error towards the executor.
func (s *Service) ApplyReport(ctx context.Context, rep Report) error {
	info, err := s.store.SubmissionForFile(ctx, rep.FileID)
	if errors.Is(err, repository.ErrNotFound) {
		reportsTotal.WithLabelValues("unknown_file").Inc()
		return ErrUnknownFile
	}
	if err != nil {
		return err
	}

	if rep.Action != jobproto.ActionValidity && rep.Action != jobproto.ActionFull {
		reportsTotal.WithLabelValues("bad_action").Inc()
		s.log.Error("Report with unrecognized action",
			"submission_id", info.SubmissionID, "action", rep.Action)
		s.alert(ctx, "Inconsistent job state",
			fmt.Sprintf("submission %d: unrecognized action %q", info.SubmissionID, rep.Action))
		return nil
	}

	next, effect, ok := nextState(rep.Action, info.State, rep.ErrorCode, info.Assignment)
	if !ok {
		// Typically a late arrival after the timeout pass already
		// reclaimed the lease. Benign, so only logged.
		reportsTotal.WithLabelValues("stale").Inc()
		s.log.Warn("Dropping stale report",
			"submission_id", info.SubmissionID,
			"state", string(info.State),
			"action", rep.Action,
		)
		return nil
	}

	applied, err := s.store.AdvanceSubmission(ctx, info.SubmissionID, info.FileID, info.State, next)
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race against a concurrent reclamation or report.
		reportsTotal.WithLabelValues("stale").Inc()
		s.log.Warn("Report lost state race",
			"submission_id", info.SubmissionID, "state", string(info.State))
		return nil
	}
	reportsTotal.WithLabelValues("applied").Inc()
	s.log.Info("Applied report",
		"submission_id", info.SubmissionID,
		"action", rep.Action,
		"error_code", rep.ErrorCode,
		"new_state", string(next),
	)

	result := &model.TestResult{
		SubmissionID: info.SubmissionID,
		FileID:       info.FileID,
		MachineID:    rep.MachineID,
		Kind:         rep.Action,
		ErrorCode:    rep.ErrorCode,
		InfoStudent:  rep.Message,
		InfoTutor:    rep.MessageTutor,
		PerfData:     rep.PerfData,
	}
	if err := s.store.SaveTestResult(ctx, result); err != nil {
		s.log.Error("Saving test result failed", "submission_id", info.SubmissionID, "error", err)
	}

	if effect.NotifyStudent {
		if err := s.notify.NotifyStudent(ctx, info.SubmissionID, next, rep.Message); err != nil {
			s.log.Error("Student notification failed", "submission_id", info.SubmissionID, "error", err)
		}
	}
	return nil
}

// Register stores a machine registration payload.
func (s *Service) Register(ctx context.Context, uuid, address, config string) error {
	return s.store.SaveMachineConfig(ctx, uuid, address, config)
}

// ValidatorScriptKey resolves the storage key of an assignment's test
// script for the download endpoint.
func (s *Service) ValidatorScriptKey(ctx context.Context, assignmentID int64, full bool) (string, error) {
	return s.store.ValidatorScriptKey(ctx, assignmentID, full)
}

func (s *Service) alert(ctx context.Context, subject, detail string) {
	if err := s.notify.AlertAdmins(ctx, subject, detail); err != nil {
		s.log.Error("Admin alert failed", "subject", subject, "error", err)
	}
}
