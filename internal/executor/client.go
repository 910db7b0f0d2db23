package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// JobSpec is the job metadata received from the server. The archive
// body travels separately.
type JobSpec struct {
	FileID       string
	SubmissionID string
	Action       string
	Timeout      time.Duration
	ValidatorURL string
	Compile      bool
}

// Client speaks the job protocol with the web server.
type Client struct {
	cfg  *Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg *Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 120 * time.Second},
		log:  log.With("component", "client"),
	}
}

// FetchJob polls the server for work. A nil spec means nothing to do.
// When the server demands registration instead, the host facts are sent
// right away and the poll also ends empty handed.
func (c *Client) FetchJob(ctx context.Context) (*JobSpec, io.ReadCloser, error) {
	u := fmt.Sprintf("%s/jobs/?%s", c.cfg.Server.URL, url.Values{
		jobproto.FieldSecret: {c.cfg.Server.Secret},
		jobproto.FieldUUID:   {c.cfg.Server.UUID},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch job: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		resp.Body.Close()
		c.log.Debug("Nothing to do")
		return nil, nil, nil
	case http.StatusOK:
	default:
		resp.Body.Close()
		return nil, nil, fmt.Errorf("fetch job: unexpected status %d", resp.StatusCode)
	}

	if resp.Header.Get(jobproto.HeaderAction) == jobproto.ActionGetConfig {
		resp.Body.Close()
		c.log.Info("Server demands registration")
		if err := c.RegisterMachine(ctx); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}

	timeoutSec, err := strconv.Atoi(resp.Header.Get(jobproto.HeaderTimeout))
	if err != nil || timeoutSec <= 0 {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("fetch job: bad timeout header %q", resp.Header.Get(jobproto.HeaderTimeout))
	}
	spec := &JobSpec{
		FileID:       resp.Header.Get(jobproto.HeaderSubmissionFileID),
		SubmissionID: resp.Header.Get(jobproto.HeaderSubmissionID),
		Action:       resp.Header.Get(jobproto.HeaderAction),
		Timeout:      time.Duration(timeoutSec) * time.Second,
		ValidatorURL: resp.Header.Get(jobproto.HeaderPostRunValidation),
		Compile:      resp.Header.Get(jobproto.HeaderCompile) == "true",
	}
	if spec.FileID == "" || spec.Action == "" {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("fetch job: incomplete job headers")
	}
	c.log.Info("Got job",
		"submission_id", spec.SubmissionID,
		"file_id", spec.FileID,
		"action", spec.Action,
		"timeout", spec.Timeout,
	)
	return spec, resp.Body, nil
}

// Download fetches a URL into the given file, used for validator
// scripts referenced by the job.
func (c *Client) Download(ctx context.Context, rawURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	return saveBody(dst, resp.Body)
}

// SendResult reports a finished job. The student message is truncated
// to the configured size limit, the tutor message never is.
func (c *Client) SendResult(ctx context.Context, spec *JobSpec, res Result) error {
	form := url.Values{
		jobproto.FieldSubmissionFileID: {spec.FileID},
		jobproto.FieldMessage:          {jobproto.Truncate(res.InfoStudent, c.cfg.Execution.MessageSize)},
		jobproto.FieldMessageTutor:     {res.InfoTutor},
		jobproto.FieldErrorCode:        {strconv.Itoa(res.ErrorCode)},
		jobproto.FieldAction:           {spec.Action},
		jobproto.FieldPerfData:         {res.PerfData},
		jobproto.FieldSecret:           {c.cfg.Server.Secret},
		jobproto.FieldUUID:             {c.cfg.Server.UUID},
	}
	c.log.Info("Sending result",
		"file_id", spec.FileID,
		"action", spec.Action,
		"error_code", res.ErrorCode,
	)
	return c.postForm(ctx, c.cfg.Server.URL+"/jobs/", form)
}

// RegisterMachine sends the host facts to the server.
func (c *Client) RegisterMachine(ctx context.Context) error {
	form := url.Values{
		jobproto.FieldConfig:  {CollectHostInfo(c.cfg)},
		jobproto.FieldUUID:    {c.cfg.Server.UUID},
		jobproto.FieldAddress: {IPAddress()},
		jobproto.FieldSecret:  {c.cfg.Server.Secret},
	}
	c.log.Info("Registering machine", "uuid", c.cfg.Server.UUID)
	return c.postForm(ctx, c.cfg.Server.URL+"/machines/", form)
}

func saveBody(dst string, r io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("post %s: unexpected status %d", u, resp.StatusCode)
	}
	return nil
}
