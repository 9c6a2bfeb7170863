package db

import "time"

// StatusEvent is one append-only status change, the unit streamed to
// websocket subscribers. The integer id doubles as the stream cursor.
type StatusEvent struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"` // "run" or "job"
	RunID    string `json:"run_id"`
	Job      string `json:"job,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (db *DB) addEvent(e StatusEvent) error {
	_, err := db.Exec(`
		insert into events (type, run_id, job, status, error, exit_code)
		values (?, ?, ?, ?, ?, ?)
	`, e.Type, e.RunID, e.Job, e.Status, e.Error, e.ExitCode)
	return err
}

// GetEvents pages status events after the given cursor, oldest first.
func (db *DB) GetEvents(after int64) ([]StatusEvent, error) {
	rows, err := db.Query(`
		select id, type, run_id, job, status, error, exit_code, created_at
		from events
		where id > ?
		order by id asc
		limit 100
	`, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var e StatusEvent
		var created string
		if err := rows.Scan(&e.ID, &e.Type, &e.RunID, &e.Job, &e.Status, &e.Error, &e.ExitCode, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}

	return events, rows.Err()
}
