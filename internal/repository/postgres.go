package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troeger/opensubmit-sub000/internal/appconfig"
	"github.com/troeger/opensubmit-sub000/internal/model"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// PostgresStore is the authoritative store for submissions, files,
// machines and test results. All state mutation goes through guarded
// single-statement updates so concurrent executor polls stay consistent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg appconfig.PostgresConfig) (*PostgresStore, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = defaultMinConns
	}
	pc.MaxConns = int32(maxConns)
	pc.MinConns = int32(minConns)
	pc.MaxConnLifetime = defaultMaxConnLifetime
	pc.MaxConnIdleTime = defaultMaxConnIdleTime
	if cfg.MaxConnLifetimeMin > 0 {
		pc.MaxConnLifetime = time.Duration(cfg.MaxConnLifetimeMin) * time.Minute
	}
	if cfg.MaxConnIdleMin > 0 {
		pc.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleMin) * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (db *PostgresStore) Close() {
	db.pool.Close()
}

// TouchMachine refreshes last_contact for the machine with the given
// UUID. The second return value is false when the machine is unknown.
func (db *PostgresStore) TouchMachine(ctx context.Context, uuid string) (model.TestMachine, bool, error) {
	query := `
		UPDATE test_machines
		SET last_contact = NOW()
		WHERE host = $1
		RETURNING id, host, COALESCE(address, ''), COALESCE(config, ''), enabled, last_contact
	`
	var m model.TestMachine
	err := db.pool.QueryRow(ctx, query, uuid).Scan(
		&m.ID, &m.UUID, &m.Address, &m.Config, &m.Enabled, &m.LastContact,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TestMachine{}, false, nil
	}
	if err != nil {
		return model.TestMachine{}, false, err
	}
	return m, true, nil
}

// CreateMachine records a first-contact machine. It comes up disabled
// for job dispatch until it has registered and an admin approved it.
func (db *PostgresStore) CreateMachine(ctx context.Context, uuid string) (model.TestMachine, error) {
	query := `
		INSERT INTO test_machines (host, enabled, last_contact)
		VALUES ($1, FALSE, NOW())
		ON CONFLICT (host) DO UPDATE SET last_contact = NOW()
		RETURNING id, host, COALESCE(address, ''), COALESCE(config, ''), enabled, last_contact
	`
	var m model.TestMachine
	err := db.pool.QueryRow(ctx, query, uuid).Scan(
		&m.ID, &m.UUID, &m.Address, &m.Config, &m.Enabled, &m.LastContact,
	)
	if err != nil {
		return model.TestMachine{}, err
	}
	return m, nil
}

// SaveMachineConfig stores the registration payload of a machine,
// creating the record when the registration arrives before any poll.
func (db *PostgresStore) SaveMachineConfig(ctx context.Context, uuid, address, config string) error {
	query := `
		INSERT INTO test_machines (host, address, config, enabled, last_contact)
		VALUES ($1, NULLIF($2, ''), $3, FALSE, NOW())
		ON CONFLICT (host) DO UPDATE
		SET address = COALESCE(NULLIF($2, ''), test_machines.address),
		    config = $3,
		    last_contact = NOW()
	`
	_, err := db.pool.Exec(ctx, query, uuid, address, config)
	return err
}

// ExpiredLeases lists leased submission files whose lease age exceeds
// the assignment timeout and whose submission still waits for a result.
func (db *PostgresStore) ExpiredLeases(ctx context.Context) ([]model.Lease, error) {
	query := `
		SELECT s.id, f.id, s.state, f.fetched, a.test_timeout_sec
		FROM submissions s
		JOIN submission_files f ON f.id = s.file_upload_id
		JOIN assignments a ON a.id = s.assignment_id
		WHERE f.fetched IS NOT NULL
		  AND f.fetched + make_interval(secs => a.test_timeout_sec) < NOW()
		  AND s.state IN ($1, $2, $3)
	`
	rows, err := db.pool.Query(ctx, query,
		model.StateTestValidityPending, model.StateTestFullPending, model.StateClosedTestFullPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []model.Lease
	for rows.Next() {
		var l model.Lease
		if err := rows.Scan(&l.SubmissionID, &l.FileID, &l.State, &l.Fetched, &l.TimeoutSec); err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// ReclaimLease clears a stale lease and fails the submission in one
// guarded statement. Returns false when someone else already moved the
// submission on, so reclamation happens exactly once.
func (db *PostgresStore) ReclaimLease(ctx context.Context, submissionID, fileID int64, from, to model.State) (bool, error) {
	return db.advance(ctx, submissionID, fileID, from, to)
}

// AdvanceSubmission applies a result transition with compare-and-swap
// semantics on the current state and clears the file lease. Returns
// false when the state no longer matches, which makes late or duplicate
// reports a no-op.
func (db *PostgresStore) AdvanceSubmission(ctx context.Context, submissionID, fileID int64, from, to model.State) (bool, error) {
	return db.advance(ctx, submissionID, fileID, from, to)
}

func (db *PostgresStore) advance(ctx context.Context, submissionID, fileID int64, from, to model.State) (bool, error) {
	query := `
		WITH moved AS (
			UPDATE submissions
			SET state = $3, modified = NOW()
			WHERE id = $1 AND state = $2
			RETURNING id
		)
		UPDATE submission_files f
		SET fetched = NULL
		FROM moved
		WHERE f.id = $4
	`
	cmd, err := db.pool.Exec(ctx, query, submissionID, from, to, fileID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// ClaimNextJob picks the best unleased pending submission this machine
// is authorized for and leases it. Selection and leasing run in one
// transaction with SKIP LOCKED so two simultaneous pollers can never
// lease the same submission.
func (db *PostgresStore) ClaimNextJob(ctx context.Context, machineID int64, validityFirst bool) (*model.Job, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lower rank is served first. The tie-break within a tier is the
	// oldest modified timestamp, so re-leased work queues behind
	// fresher submissions.
	validityRank, fullRank := 1, 0
	if validityFirst {
		validityRank, fullRank = 0, 1
	}

	query := `
		SELECT s.id, f.id, s.state, a.id, a.test_timeout_sec, a.requires_compile,
		       COALESCE(a.validity_script, ''), COALESCE(a.full_script, ''),
		       f.path, f.name
		FROM submissions s
		JOIN submission_files f ON f.id = s.file_upload_id
		JOIN assignments a ON a.id = s.assignment_id
		WHERE f.fetched IS NULL
		  AND s.state IN ($1, $2, $3)
		  AND a.id IN (SELECT assignment_id FROM assignment_machines WHERE machine_id = $4)
		ORDER BY CASE WHEN s.state = $1 THEN $5::int ELSE $6::int END, s.modified
		LIMIT 1
		FOR UPDATE OF s, f SKIP LOCKED
	`
	var (
		job            model.Job
		state          model.State
		validityScript string
		fullScript     string
	)
	err = tx.QueryRow(ctx, query,
		model.StateTestValidityPending, model.StateTestFullPending, model.StateClosedTestFullPending,
		machineID, validityRank, fullRank,
	).Scan(
		&job.SubmissionID, &job.FileID, &state, &job.AssignmentID,
		&job.TimeoutSec, &job.Compile, &validityScript, &fullScript,
		&job.ArchivePath, &job.FileName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	action, ok := model.ActionFor(state)
	if !ok {
		return nil, fmt.Errorf("claimed submission %d in non-pending state %s", job.SubmissionID, state)
	}
	job.Action = action
	if state == model.StateTestValidityPending {
		job.ScriptPath = validityScript
	} else {
		job.ScriptPath = fullScript
	}

	if _, err := tx.Exec(ctx,
		`UPDATE submission_files SET fetched = NOW() WHERE id = $1`, job.FileID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE submissions SET modified = NOW() WHERE id = $1`, job.SubmissionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmissionInfo is the context the dispatcher needs to judge a report.
type SubmissionInfo struct {
	SubmissionID int64
	FileID       int64
	State        model.State
	Assignment   model.Assignment
}

var ErrNotFound = errors.New("not found")

// SubmissionForFile resolves a reported file id to its owning
// submission and assignment.
func (db *PostgresStore) SubmissionForFile(ctx context.Context, fileID int64) (SubmissionInfo, error) {
	query := `
		SELECT s.id, f.id, s.state,
		       a.id, COALESCE(a.title, ''), a.test_timeout_sec,
		       a.validity_script IS NOT NULL, a.full_script IS NOT NULL,
		       a.gradable, a.requires_compile
		FROM submission_files f
		JOIN submissions s ON s.file_upload_id = f.id
		JOIN assignments a ON a.id = s.assignment_id
		WHERE f.id = $1
	`
	var info SubmissionInfo
	err := db.pool.QueryRow(ctx, query, fileID).Scan(
		&info.SubmissionID, &info.FileID, &info.State,
		&info.Assignment.ID, &info.Assignment.Title, &info.Assignment.TestTimeoutSec,
		&info.Assignment.HasValidityTest, &info.Assignment.HasFullTest,
		&info.Assignment.Gradable, &info.Assignment.RequiresCompile,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return SubmissionInfo{}, ErrNotFound
	}
	if err != nil {
		return SubmissionInfo{}, err
	}
	return info, nil
}

// ValidatorScriptKey returns the archive storage key of the requested
// test script of an assignment.
func (db *PostgresStore) ValidatorScriptKey(ctx context.Context, assignmentID int64, full bool) (string, error) {
	column := "validity_script"
	if full {
		column = "full_script"
	}
	query := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM assignments WHERE id = $1`, column)
	var key string
	err := db.pool.QueryRow(ctx, query, assignmentID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && key == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// SaveTestResult appends one applied executor report to the history.
func (db *PostgresStore) SaveTestResult(ctx context.Context, r *model.TestResult) error {
	query := `
		INSERT INTO submission_test_results
			(submission_id, file_id, machine_id, kind, error_code, info_student, info_tutor, perf_data, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id, created
	`
	var machineID any
	if r.MachineID > 0 {
		machineID = r.MachineID
	}
	return db.pool.QueryRow(ctx, query,
		r.SubmissionID, r.FileID, machineID, r.Kind, r.ErrorCode,
		r.InfoStudent, r.InfoTutor, r.PerfData,
	).Scan(&r.ID, &r.Created)
}
