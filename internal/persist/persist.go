// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist keeps the local processing ledger: which messages
// already have their rows in the meal log, and a history of runs.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	createTableSql = []string{
		// The processed_messages table records each message whose
		// rows were appended to the meal log.  A message present
		// here is never appended again, even if the mailbox still
		// reports it unread.
		//
		// Field: message_id
		//
		//   The mailbox's permanent message ID (for GMail, the
		//   Users.messages resource "id" field).
		//
		// Field: processed_at
		//
		//   Unix seconds at which the rows were appended.
		//
		// Field: row_count
		//
		//   Number of rows appended for the message.
		`
CREATE TABLE IF NOT EXISTS processed_messages (
message_id TEXT NOT NULL PRIMARY KEY,
processed_at INTEGER NOT NULL,
row_count INTEGER NOT NULL
);`,
		// The ingest_runs table holds one summary per pipeline run.
		`
CREATE TABLE IF NOT EXISTS ingest_runs (
run_id TEXT NOT NULL PRIMARY KEY,
finished_at INTEGER NOT NULL,
seen INTEGER NOT NULL,
processed INTEGER NOT NULL,
failed INTEGER NOT NULL,
row_count INTEGER NOT NULL,
error TEXT
);`,
	}
)

type DB struct {
	db  *sql.DB
	log logrus.FieldLogger
}

type Tx struct {
	tx *sql.Tx
}

// Run is the summary of a pipeline run as stored in the ledger.
type Run struct {
	ID         string
	FinishedAt time.Time
	Seen       int
	Processed  int
	Failed     int
	Rows       int
	Err        string
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if needed) the ledger database at path.  The
// caller must import a "sqlite3" database/sql driver.
func Open(ctx context.Context, path string, log logrus.FieldLogger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  A scheduled run
	// and a manual "mealmail run" may share the file; wait for one
	// minute rather than the default 5 seconds.
	var busyTimeout = int(time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.WithField("dsn", dsn).Debug("opening ledger database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// IsProcessed reports whether the message's rows are already logged.
func (db *DB) IsProcessed(ctx context.Context, id string) (bool, error) {
	const q = `SELECT 1 FROM processed_messages WHERE message_id = $1`
	var one int
	if err := db.db.QueryRowContext(ctx, q, id).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrap(err, "db query failed in IsProcessed")
	}
	return true, nil
}

// MarkProcessed records that rows for the message were appended.
// Recording a message twice keeps the first record.
func (db *DB) MarkProcessed(ctx context.Context, id string, rows int) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.InsertProcessed(ctx, id, time.Now(), rows); err != nil {
		return err
	}
	return tx.Commit()
}

func (tx *Tx) InsertProcessed(ctx context.Context, id string, at time.Time, rows int) error {
	sql := `INSERT INTO processed_messages
		(message_id, processed_at, row_count) values ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING`
	if _, err := tx.tx.ExecContext(ctx, sql, id, at.Unix(), rows); err != nil {
		return errors.Wrap(err, "db insert failed for processed message")
	}
	return nil
}

// RecordRun stores a run summary.
func (db *DB) RecordRun(ctx context.Context, run Run) error {
	sql := `INSERT OR REPLACE INTO ingest_runs
		(run_id, finished_at, seen, processed, failed, row_count, error)
		values ($1, $2, $3, $4, $5, $6, $7)`
	var runErr interface{}
	if run.Err != "" {
		runErr = run.Err
	}
	_, err := db.db.ExecContext(ctx, sql, run.ID, run.FinishedAt.Unix(),
		run.Seen, run.Processed, run.Failed, run.Rows, runErr)
	if err != nil {
		return errors.Wrap(err, "db insert failed for run")
	}
	return nil
}

// LatestRuns returns up to n run summaries, newest first.
func (db *DB) LatestRuns(ctx context.Context, n int) ([]Run, error) {
	const q = `
SELECT run_id, finished_at, seen, processed, failed, row_count, error
FROM ingest_runs
ORDER BY finished_at DESC, run_id
LIMIT $1
`
	rows, err := db.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in LatestRuns")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished int64
		var runErr sql.NullString
		if err := rows.Scan(&r.ID, &finished, &r.Seen, &r.Processed, &r.Failed, &r.Rows, &runErr); err != nil {
			return nil, errors.Wrap(err, "db scan failed in LatestRuns")
		}
		r.FinishedAt = time.Unix(finished, 0)
		r.Err = runErr.String
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "db iteration failed in LatestRuns")
}
