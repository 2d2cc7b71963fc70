/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package server exposes the HTTP and websocket API: health and version
// endpoints, token-based auth, the branch registry, ad-hoc event
// publication, and the real-time subscription endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtexx/fabricia/internal/cache"
	"github.com/xtexx/fabricia/internal/fanout"
	"github.com/xtexx/fabricia/internal/jobqueue"
	applog "github.com/xtexx/fabricia/internal/log"
	"github.com/xtexx/fabricia/internal/sqldb"
	"github.com/xtexx/fabricia/internal/version"
)

// Options collects the server's collaborators. Cache may be nil; the server
// then runs in degraded mode with reads served from the database and the
// websocket endpoint refusing subscriptions.
type Options struct {
	Addr       string
	AuthSecret string
	SendBuffer int
	DB         *sqldb.DB
	Cache      *cache.Cache
	Jobs       *jobqueue.Queue
}

type Server struct {
	addr     string
	secret   string
	db       *sqldb.DB
	cache    *cache.Cache
	jobs     *jobqueue.Queue
	dispatch *fanout.Dispatcher
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func New(opts Options) *Server {
	return &Server{
		addr:     opts.Addr,
		secret:   opts.AuthSecret,
		db:       opts.DB,
		cache:    opts.Cache,
		jobs:     opts.Jobs,
		dispatch: fanout.New(opts.SendBuffer),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      applog.WithComponent("server"),
	}
}

// Dispatcher exposes the fan-out registry so the daemon can feed it from
// the pub/sub tier.
func (s *Server) Dispatcher() *fanout.Dispatcher { return s.dispatch }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("db not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(version.String()))
	})
	mux.HandleFunc("GET /api", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(version.String()))
	})

	mux.HandleFunc("POST /api/auth/token", s.handleAuthToken)

	mux.HandleFunc("GET /api/branch", s.withAuth(s.handleListBranches))
	mux.HandleFunc("GET /api/branch/{branch}", s.withAuth(s.handleGetBranch))
	mux.HandleFunc("PUT /api/branch/{branch}", s.withAuth(s.handleNewBranch))
	mux.HandleFunc("PATCH /api/branch/{branch}", s.withAuth(s.handleUpdateBranch))
	mux.HandleFunc("DELETE /api/branch/{branch}", s.withAuth(s.handleDeleteBranch))

	mux.HandleFunc("GET /api/jobs", s.withAuth(s.handleJobStats))
	mux.HandleFunc("POST /api/publish", s.withAuth(s.handlePublish))
	mux.HandleFunc("GET /api/ws", s.withAuth(s.handleSubscribe))

	return mux
}

// Run serves the API until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request, _ string) {
	n, err := s.jobs.CountPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// httpStatusFor maps persistence errors onto API statuses.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, sqldb.ErrConstraintViolation):
		return http.StatusConflict
	case errors.Is(err, sqldb.ErrPoolTimeout), errors.Is(err, sqldb.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
