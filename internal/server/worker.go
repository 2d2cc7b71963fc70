/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtexx/fabricia/internal/cache"
	"github.com/xtexx/fabricia/internal/jobqueue"
	applog "github.com/xtexx/fabricia/internal/log"
	"github.com/xtexx/fabricia/internal/sqldb"
)

// workerPollInterval bounds how stale a worker can be when the wakeup
// channel is unavailable or an event was missed.
const workerPollInterval = 30 * time.Second

// Worker drains the job queue. It wakes on jobs-topic events when the
// pub/sub tier is up and falls back to interval polling otherwise.
type Worker struct {
	db    *sqldb.DB
	jobs  *jobqueue.Queue
	cache *cache.Cache
	log   *slog.Logger
}

func NewWorker(db *sqldb.DB, jobs *jobqueue.Queue, c *cache.Cache) *Worker {
	return &Worker{db: db, jobs: jobs, cache: c, log: applog.WithComponent("worker")}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan cache.Event
	if w.cache != nil {
		events, err := w.cache.Subscribe(ctx, jobqueue.TopicJobs)
		if err != nil {
			w.log.Warn("job wakeups unavailable, polling only", slog.String("error", err.Error()))
		} else {
			wake = events
		}
	}

	ticker := time.NewTicker(workerPollInterval)
	defer ticker.Stop()
	for {
		if err := w.drain(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Error("drain failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) error {
	for {
		job, err := w.jobs.FetchAndStart(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		if err := w.runJob(ctx, job); err != nil {
			w.log.Error("job failed",
				slog.String("id", job.ID.String()),
				slog.String("kind", job.Kind),
				slog.String("error", err.Error()))
		}
	}
}

// runJob executes one claimed job and removes it in the same transaction
// as its effects, so a crashed worker leaves the job claimed but intact.
func (w *Worker) runJob(ctx context.Context, job *jobqueue.Job) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch job.Kind {
	case JobSyncBranch:
		var p struct {
			Branch string `json:"branch"`
		}
		if err := json.Unmarshal(job.Data, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Kind, err)
		}
		if err := w.syncBranch(ctx, tx, p.Branch); err != nil {
			return err
		}
	default:
		w.log.Warn("discarding job of unknown kind", slog.String("kind", job.Kind))
	}

	if err := w.jobs.Finish(ctx, tx, job.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (w *Worker) syncBranch(ctx context.Context, tx *sqldb.Tx, name string) error {
	n, err := tx.Exec(ctx,
		`UPDATE branches SET status = 'ready', updated_at = ? WHERE name = ?`,
		time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("sync branch %s: %w", name, err)
	}
	if n == 0 {
		// Deleted between enqueue and claim; nothing to sync.
		w.log.Debug("branch gone before sync", slog.String("branch", name))
		return nil
	}
	tx.Notify(TopicBranches, branchEvent("synced", name))
	return nil
}
