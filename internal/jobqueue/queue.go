/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package jobqueue implements a lightweight background job queue stored in
// the primary database. Jobs are claimed with a guarded update rather than
// row locks, so the queue works identically on both backends. IDs are
// UUIDv7, which makes the id column a tiebreaker equivalent to insertion
// order for jobs of equal priority.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	applog "github.com/xtexx/fabricia/internal/log"
	"github.com/xtexx/fabricia/internal/sqldb"
)

// DefaultPriority is assigned by Enqueue. Higher runs first.
const DefaultPriority = 100

// TopicJobs is the change-event topic announcing new work to workers.
const TopicJobs = "jobs"

// ErrJobAborted reports that a job disappeared between claim and finish,
// meaning another worker or an operator removed it.
var ErrJobAborted = errors.New("job aborted")

// Job is one claimed unit of work.
type Job struct {
	ID   uuid.UUID
	Kind string
	Data json.RawMessage
}

// Migration returns the queue's schema migration at the given version, for
// composition into the application's migration set.
func Migration(version int64) sqldb.Migration {
	return sqldb.Migration{
		Version: version,
		Name:    "job_queue",
		Postgres: []string{
			`CREATE TABLE job_queue (
				id          TEXT PRIMARY KEY,
				kind        TEXT NOT NULL,
				data        TEXT NOT NULL,
				priority    INTEGER NOT NULL,
				enqueued_at TEXT NOT NULL,
				started_at  TEXT
			)`,
			`CREATE INDEX job_queue_pending ON job_queue (priority DESC, id ASC) WHERE started_at IS NULL`,
		},
		SQLite: []string{
			`CREATE TABLE job_queue (
				id          TEXT PRIMARY KEY,
				kind        TEXT NOT NULL,
				data        TEXT NOT NULL,
				priority    INTEGER NOT NULL,
				enqueued_at TEXT NOT NULL,
				started_at  TEXT
			)`,
			`CREATE INDEX job_queue_pending ON job_queue (priority DESC, id ASC) WHERE started_at IS NULL`,
		},
	}
}

// Queue provides enqueue, claim and finish operations over a shared
// database handle.
type Queue struct {
	db  *sqldb.DB
	log *slog.Logger
}

func New(db *sqldb.DB) *Queue {
	return &Queue{db: db, log: applog.WithComponent("jobqueue")}
}

// Enqueue adds a job with the default priority inside the caller's
// transaction, so the job becomes visible only with the caller's commit.
func (q *Queue) Enqueue(ctx context.Context, tx *sqldb.Tx, kind string, data any) (uuid.UUID, error) {
	return q.EnqueueWithPriority(ctx, tx, kind, data, DefaultPriority)
}

// EnqueueWithPriority is Enqueue with an explicit priority. It also queues
// a change event on the jobs topic so idle workers wake up after commit.
func (q *Queue) EnqueueWithPriority(ctx context.Context, tx *sqldb.Tx, kind string, data any, priority int) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("mint job id: %w", err)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode job data: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_queue (id, kind, data, priority, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), kind, string(body), priority, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	tx.Notify(TopicJobs, mustJSON(map[string]string{"id": id.String(), "kind": kind}))
	q.log.Info("enqueued job", slog.String("id", id.String()), slog.String("kind", kind))
	return id, nil
}

// FetchAndStart claims the highest-priority pending job and marks it as
// started. It returns nil when the queue is empty. A claim lost to a
// concurrent worker is retried transparently.
func (q *Queue) FetchAndStart(ctx context.Context) (*Job, error) {
	for {
		job, claimed, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		if claimed {
			q.log.Info("claimed job", slog.String("id", job.ID.String()), slog.String("kind", job.Kind))
			return job, nil
		}
		q.log.Warn("lost claim race, retrying", slog.String("id", job.ID.String()))
	}
}

func (q *Queue) tryClaim(ctx context.Context) (*Job, bool, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var idStr, kind, data string
	err = tx.QueryRow(ctx,
		`SELECT id, kind, data FROM job_queue
		 WHERE started_at IS NULL
		 ORDER BY priority DESC, id ASC
		 LIMIT 1`,
		nil, &idStr, &kind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("poll job queue: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt job id %q: %w", idStr, err)
	}

	// The guard on started_at makes the claim safe without row locks.
	n, err := tx.Exec(ctx,
		`UPDATE job_queue SET started_at = ? WHERE id = ? AND started_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), idStr)
	if err != nil {
		return nil, false, fmt.Errorf("claim job %s: %w", idStr, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	job := &Job{ID: id, Kind: kind, Data: json.RawMessage(data)}
	return job, n != 0, nil
}

// Finish removes a claimed job inside the caller's transaction. If the row
// is already gone the job was taken over or cancelled and ErrJobAborted is
// returned.
func (q *Queue) Finish(ctx context.Context, tx *sqldb.Tx, id uuid.UUID) error {
	n, err := tx.Exec(ctx,
		`DELETE FROM job_queue WHERE id = ? AND started_at IS NOT NULL`,
		id.String())
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n == 0 {
		q.log.Warn("job finished or aborted elsewhere", slog.String("id", id.String()))
		return fmt.Errorf("%w: %s", ErrJobAborted, id)
	}
	return nil
}

// CountPending reports how many jobs are waiting to be claimed.
func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE started_at IS NULL`, nil, &n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
