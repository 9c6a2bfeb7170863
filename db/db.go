package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			event text not null,
			status text not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		-- status rows for the jobs of a run
		create table if not exists jobs (
			id integer primary key autoincrement,
			run_id text not null references runs(id),
			name text not null,
			status text not null,
			error text not null default '',
			exit_code integer not null default 0,
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),

			unique(run_id, name)
		);

		-- append-only status changes, streamed over the websocket
		create table if not exists events (
			id integer primary key autoincrement,
			type text not null,
			run_id text not null,
			job text not null default '',
			status text not null,
			error text not null default '',
			exit_code integer not null default 0,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
