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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TopicBranches carries branch lifecycle events to subscribers.
const TopicBranches = "branches"

// JobSyncBranch is the background job kind enqueued for every new branch.
const JobSyncBranch = "sync-branch"

const (
	cacheKeyBranchList = "branches:list"
	branchListTTL      = 30 * time.Second
)

// Branch is the API representation of one tracked branch.
type Branch struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request, _ string) {
	ctx := r.Context()
	if s.cache != nil {
		if body, ok, err := s.cache.Get(ctx, cacheKeyBranchList); err == nil && ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
	}

	list, err := s.queryBranches(ctx)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	body, err := json.Marshal(list)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKeyBranchList, body, branchListTTL); err != nil {
			s.log.Debug("branch list not cached", slog.String("error", err.Error()))
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) queryBranches(ctx context.Context) ([]Branch, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.Query(ctx,
		`SELECT id, name, config, status, created_at, updated_at FROM branches ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]Branch, 0)
	for rows.Next() {
		var b Branch
		var cfg string
		if err := rows.Scan(&b.ID, &b.Name, &cfg, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Config = json.RawMessage(cfg)
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, tx.Commit(ctx)
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request, _ string) {
	name := r.PathValue("branch")
	var b Branch
	var cfg string
	err := s.db.QueryRow(r.Context(),
		`SELECT id, name, config, status, created_at, updated_at FROM branches WHERE name = ?`,
		[]any{name},
		&b.ID, &b.Name, &cfg, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, fmt.Errorf("branch %q not found", name))
		return
	}
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	b.Config = json.RawMessage(cfg)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleNewBranch(w http.ResponseWriter, r *http.Request, _ string) {
	ctx := r.Context()
	name := r.PathValue("branch")
	cfg, err := readConfigBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	defer tx.Rollback()

	id, err := tx.InsertReturningID(ctx,
		`INSERT INTO branches (name, config, status, created_at, updated_at) VALUES (?, ?, 'pending', ?, ?)`,
		name, string(cfg), now, now)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	if _, err := s.jobs.Enqueue(ctx, tx, JobSyncBranch, map[string]string{"branch": name}); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	tx.Notify(TopicBranches, branchEvent("created", name))
	if err := tx.Commit(ctx); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	s.invalidateBranchCache(ctx)
	writeJSON(w, http.StatusCreated, Branch{
		ID: id, Name: name, Config: cfg, Status: "pending", CreatedAt: now, UpdatedAt: now,
	})
}

func (s *Server) handleUpdateBranch(w http.ResponseWriter, r *http.Request, _ string) {
	ctx := r.Context()
	name := r.PathValue("branch")
	cfg, err := readConfigBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	defer tx.Rollback()

	n, err := tx.Exec(ctx,
		`UPDATE branches SET config = ?, updated_at = ? WHERE name = ?`,
		string(cfg), time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("branch %q not found", name))
		return
	}
	tx.Notify(TopicBranches, branchEvent("updated", name))
	if err := tx.Commit(ctx); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	s.invalidateBranchCache(ctx)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request, _ string) {
	ctx := r.Context()
	name := r.PathValue("branch")

	tx, err := s.db.Begin(ctx)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	defer tx.Rollback()

	n, err := tx.Exec(ctx, `DELETE FROM branches WHERE name = ?`, name)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("branch %q not found", name))
		return
	}
	tx.Notify(TopicBranches, branchEvent("deleted", name))
	if err := tx.Commit(ctx); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	s.invalidateBranchCache(ctx)
	w.WriteHeader(http.StatusNoContent)
}

// readConfigBody decodes the optional JSON config body, defaulting to an
// empty object.
func readConfigBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	var cfg json.RawMessage
	if err := json.NewDecoder(body).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return json.RawMessage(`{}`), nil
		}
		return nil, fmt.Errorf("invalid config body: %w", err)
	}
	return cfg, nil
}

func branchEvent(op, name string) []byte {
	b, _ := json.Marshal(map[string]string{"op": op, "name": name})
	return b
}

func (s *Server) invalidateBranchCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cacheKeyBranchList); err != nil {
		s.log.Debug("branch cache invalidation failed", slog.String("error", err.Error()))
	}
}
