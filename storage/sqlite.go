// Copyright 2021-2022 The walktrack Authors
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
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alwitt/walktrack/common"
	"github.com/apex/log"
	// register the sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS route_samples (
	session_id TEXT NOT NULL,
	sequence_no INTEGER NOT NULL,
	captured_at TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (session_id, sequence_no)
);
`

// sqliteRouteStore RouteStore on a SQLite database
type sqliteRouteStore struct {
	common.Component
	db *sql.DB
}

// NewSQLiteRouteStore open a SQLite backed RouteStore
func NewSQLiteRouteStore(path string) (RouteStore, error) {
	logTags := log.Fields{"module": "storage", "component": "sqlite-route-store", "instance": path}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite permits one writer at a time
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		log.WithError(err).WithFields(logTags).Error("Unable to prepare schema")
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.WithFields(logTags).Info("Opened route store")
	return &sqliteRouteStore{Component: common.Component{LogTags: logTags}, db: db}, nil
}

// AppendSamples record a batch of samples
func (s *sqliteRouteStore) AppendSamples(
	ctxt context.Context, samples []common.LocationSample,
) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctxt, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(
		ctxt,
		"INSERT OR IGNORE INTO route_samples (session_id, sequence_no, captured_at, payload) VALUES (?, ?, ?, ?)",
	)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, sample := range samples {
		if _, err := stmt.ExecContext(
			ctxt,
			sample.SessionID,
			int64(sample.SequenceNo),
			sample.CapturedAt.UTC().Format(time.RFC3339Nano),
			sample,
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to insert %s", sample)
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ReadSamples fetch the samples of a session after a sequence number
func (s *sqliteRouteStore) ReadSamples(
	ctxt context.Context, sessionID string, since uint64, limit int,
) ([]common.LocationSample, error) {
	if since >= MaxSequenceNo {
		return []common.LocationSample{}, nil
	}
	query := "SELECT payload FROM route_samples WHERE session_id = ? AND sequence_no > ? ORDER BY sequence_no ASC"
	args := []interface{}{sessionID, int64(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctxt, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []common.LocationSample{}
	for rows.Next() {
		var sample common.LocationSample
		if err := rows.Scan(&sample); err != nil {
			return nil, err
		}
		result = append(result, sample)
	}
	return result, rows.Err()
}

// LastSample fetch the newest sample of a session
func (s *sqliteRouteStore) LastSample(
	ctxt context.Context, sessionID string,
) (common.LocationSample, error) {
	var sample common.LocationSample
	err := s.db.QueryRowContext(
		ctxt,
		"SELECT payload FROM route_samples WHERE session_id = ? ORDER BY sequence_no DESC LIMIT 1",
		sessionID,
	).Scan(&sample)
	if err == sql.ErrNoRows {
		return sample, common.NotFoundErrorf("no stored samples for session %s", sessionID)
	}
	return sample, err
}

// Close close the database
func (s *sqliteRouteStore) Close() error {
	log.WithFields(s.LogTags).Info("Closing route store")
	return s.db.Close()
}
