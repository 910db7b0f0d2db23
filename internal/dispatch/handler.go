package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/troeger/opensubmit-sub000/internal/repository"
	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// Archive is the read surface of the object store holding submission
// archives and validator scripts.
type Archive interface {
	Open(ctx context.Context, objectKey string) (io.ReadCloser, int64, error)
}

// Handler exposes the executor-facing HTTP endpoints. Metadata rides in
// headers and form fields over plain file download and upload bodies,
// which is what the executor fleet speaks.
type Handler struct {
	svc       *Service
	archive   Archive
	secret    string
	publicURL string
	log       *slog.Logger
}

func NewHandler(svc *Service, archive Archive, secret, publicURL string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		svc:       svc,
		archive:   archive,
		secret:    secret,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.With("component", "dispatch_http"),
	}
}

// RegisterRoutes wires the executor API onto the router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/jobs/", h.HandleFetchJob)
	r.POST("/jobs/", h.HandleReport)
	r.POST("/machines/", h.HandleRegisterMachine)
	r.GET("/download/validators/:assignment_id", h.HandleValidatorDownload)
}

// HandleFetchJob serves GET /jobs/. Responses are 404 for "nothing to
// do", an Action=get_config header pair for unknown machines, or the
// submission archive with the job metadata in headers.
func (h *Handler) HandleFetchJob(c *gin.Context) {
	if c.Query(jobproto.FieldSecret) != h.secret {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	uuid := c.Query(jobproto.FieldUUID)
	if uuid == "" {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	logger := h.log.With("request_id", GetRequestID(c), "machine", uuid)

	res, err := h.svc.FetchJob(c.Request.Context(), uuid)
	if err != nil {
		logger.Error("Fetch job failed", "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if res.NeedsRegistration {
		c.Header(jobproto.HeaderAction, jobproto.ActionGetConfig)
		c.Header(jobproto.HeaderMachineID, strconv.FormatInt(res.MachineID, 10))
		c.Status(http.StatusOK)
		return
	}
	if res.Job == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	job := res.Job

	rc, size, err := h.archive.Open(c.Request.Context(), job.ArchivePath)
	if err != nil {
		// The lease stays set; the reclamation pass fails the
		// submission once the assignment timeout has passed.
		logger.Error("Submission archive missing in storage",
			"file_id", job.FileID, "path", job.ArchivePath, "error", err)
		h.svc.alert(c.Request.Context(), "Missing file",
			fmt.Sprintf("missing archive for submission file %d: %s", job.FileID, job.ArchivePath))
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	defer rc.Close()

	c.Header(jobproto.HeaderSubmissionFileID, strconv.FormatInt(job.FileID, 10))
	c.Header(jobproto.HeaderSubmissionID, strconv.FormatInt(job.SubmissionID, 10))
	c.Header(jobproto.HeaderAction, job.Action)
	c.Header(jobproto.HeaderTimeout, strconv.Itoa(job.TimeoutSec))
	c.Header(jobproto.HeaderCompile, strconv.FormatBool(job.Compile))
	if job.ScriptPath != "" {
		c.Header(jobproto.HeaderPostRunValidation, h.validatorURL(job.AssignmentID, job.Action))
	}
	extra := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", job.FileName),
	}
	c.DataFromReader(http.StatusOK, size, "application/binary", rc, extra)
}

// HandleReport serves POST /jobs/: either a machine config push
// (Action=get_config) or an executor result.
func (h *Handler) HandleReport(c *gin.Context) {
	if c.PostForm(jobproto.FieldSecret) != h.secret {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	uuid := c.PostForm(jobproto.FieldUUID)
	logger := h.log.With("request_id", GetRequestID(c), "machine", uuid)

	if c.PostForm(jobproto.FieldAction) == jobproto.ActionGetConfig {
		if err := h.svc.Register(c.Request.Context(), uuid, "", c.PostForm(jobproto.FieldConfig)); err != nil {
			logger.Error("Machine config update failed", "error", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusCreated)
		return
	}

	fileID, err := strconv.ParseInt(c.PostForm(jobproto.FieldSubmissionFileID), 10, 64)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	errorCode, err := strconv.Atoi(c.PostForm(jobproto.FieldErrorCode))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	rep := Report{
		FileID:       fileID,
		Action:       c.PostForm(jobproto.FieldAction),
		ErrorCode:    errorCode,
		Message:      c.PostForm(jobproto.FieldMessage),
		MessageTutor: c.PostForm(jobproto.FieldMessageTutor),
		PerfData:     strings.TrimSpace(c.PostForm(jobproto.FieldPerfData)),
	}
	if machine, known, err := h.svc.store.TouchMachine(c.Request.Context(), uuid); err == nil && known {
		rep.MachineID = machine.ID
	}

	if err := h.svc.ApplyReport(c.Request.Context(), rep); err != nil {
		if errors.Is(err, ErrUnknownFile) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		logger.Error("Applying report failed", "file_id", fileID, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusCreated)
}

// HandleRegisterMachine serves POST /machines/.
func (h *Handler) HandleRegisterMachine(c *gin.Context) {
	if c.PostForm(jobproto.FieldSecret) != h.secret {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	uuid := c.PostForm(jobproto.FieldUUID)
	if uuid == "" {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	err := h.svc.Register(c.Request.Context(), uuid,
		c.PostForm(jobproto.FieldAddress), c.PostForm(jobproto.FieldConfig))
	if err != nil {
		h.log.Error("Machine registration failed", "machine", uuid, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusCreated)
}

// HandleValidatorDownload streams an assignment's test script to an
// executor. Guarded by the shared secret only, like the job endpoints.
func (h *Handler) HandleValidatorDownload(c *gin.Context) {
	if c.Query(jobproto.FieldSecret) != h.secret {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	assignmentID, err := strconv.ParseInt(c.Param("assignment_id"), 10, 64)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	full := c.Query("kind") == "full"

	key, err := h.svc.ValidatorScriptKey(c.Request.Context(), assignmentID, full)
	if errors.Is(err, repository.ErrNotFound) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Validator script lookup failed", "assignment_id", assignmentID, "error", err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	rc, size, err := h.archive.Open(c.Request.Context(), key)
	if err != nil {
		h.log.Error("Validator script missing in storage", "key", key, "error", err)
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	defer rc.Close()

	name := key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		name = key[idx+1:]
	}
	extra := map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", name),
	}
	c.DataFromReader(http.StatusOK, size, "application/binary", rc, extra)
}

func (h *Handler) validatorURL(assignmentID int64, action string) string {
	kind := "validity"
	if action == jobproto.ActionFull {
		kind = "full"
	}
	return fmt.Sprintf("%s/download/validators/%d?Secret=%s&kind=%s",
		h.publicURL, assignmentID, h.secret, kind)
}
