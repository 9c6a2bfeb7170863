package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/treadle-ci/treadle/notifier"
)

type RunStatus string

var (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunSuccess   RunStatus = "success"
)

type JobStatus string

var (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSuccess   JobStatus = "success"
)

type Run struct {
	ID       string    `json:"id"`
	Workflow string    `json:"workflow"`
	Event    string    `json:"event"`
	Status   RunStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type Job struct {
	RunID  string    `json:"run_id"`
	Name   string    `json:"name"`
	Status JobStatus `json:"status"`

	// only set when Status is failed
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (db *DB) CreateRun(id, workflow, event string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		insert into runs (id, workflow, event, status)
		values (?, ?, ?, ?)
	`, id, workflow, event, RunPending)
	if err != nil {
		return err
	}
	if err := db.addEvent(StatusEvent{Type: "run", RunID: id, Status: string(RunPending)}); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRun(id string, status RunStatus, n *notifier.Notifier) error {
	finished := ""
	switch status {
	case RunSkipped, RunFailed, RunCancelled, RunSuccess:
		finished = ", finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"
	}

	_, err := db.Exec(fmt.Sprintf(`
		update runs
		set status = ?, updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now')%s
		where id = ?
	`, finished), status, id)
	if err != nil {
		return err
	}
	if err := db.addEvent(StatusEvent{Type: "run", RunID: id, Status: string(status)}); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) CreateJob(runID, name string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		insert into jobs (run_id, name, status)
		values (?, ?, ?)
		on conflict (run_id, name) do update set status = excluded.status
	`, runID, name, JobPending)
	if err != nil {
		return err
	}
	if err := db.addEvent(StatusEvent{Type: "job", RunID: runID, Job: name, Status: string(JobPending)}); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkJob(runID, name string, status JobStatus, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update jobs
		set status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, status, runID, name)
	if err != nil {
		return err
	}
	if err := db.addEvent(StatusEvent{Type: "job", RunID: runID, Job: name, Status: string(status)}); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkJobFailed(runID, name string, exitCode int, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update jobs
		set status = ?,
		    exit_code = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where run_id = ? and name = ?
	`, JobFailed, exitCode, errorMsg, runID, name)
	if err != nil {
		return err
	}
	if err := db.addEvent(StatusEvent{
		Type:     "job",
		RunID:    runID,
		Job:      name,
		Status:   string(JobFailed),
		Error:    errorMsg,
		ExitCode: exitCode,
	}); err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetRun(id string) (Run, error) {
	row := db.QueryRow(`
		select id, workflow, event, status, created_at, updated_at, finished_at
		from runs
		where id = ?
	`, id)
	return scanRun(row)
}

// GetRuns pages through runs in insertion order; pass the last seen id
// as the cursor, or "" to start from the beginning.
func (db *DB) GetRuns(cursor string) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, workflow, event, status, created_at, updated_at, finished_at
		from runs
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

func (db *DB) GetJobs(runID string) ([]Job, error) {
	rows, err := db.Query(`
		select run_id, name, status, error, exit_code, updated_at
		from jobs
		where run_id = ?
		order by name asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var updated string
		if err := rows.Scan(&j.RunID, &j.Name, &j.Status, &j.Error, &j.ExitCode, &updated); err != nil {
			return nil, err
		}
		j.UpdatedAt = parseTime(updated)
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (Run, error) {
	var r Run
	var created, updated string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.Workflow, &r.Event, &r.Status, &created, &updated, &finished); err != nil {
		return r, err
	}

	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	if finished.Valid {
		t := parseTime(finished.String)
		r.FinishedAt = &t
	}
	return r, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
