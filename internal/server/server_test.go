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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/xtexx/fabricia/internal/cache"
	"github.com/xtexx/fabricia/internal/fanout"
	"github.com/xtexx/fabricia/internal/jobqueue"
	"github.com/xtexx/fabricia/internal/sqldb"
)

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	db    *sqldb.DB
	cache *cache.Cache
	jobs  *jobqueue.Queue
	token string
}

// newTestEnv wires the full stack: sqlite persistence publishing into a
// miniredis-backed cache, with the dispatcher fed from the pub/sub tier.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	c := cache.New(cache.Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	db, err := sqldb.Open(ctx, sqldb.PoolConfig{
		Variant:        sqldb.VariantSQLite,
		DSN:            filepath.Join(t.TempDir(), "api.db"),
		MaxSize:        4,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    time.Minute,
	}, sqldb.WithPublisher(c))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(ctx, Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	jobs := jobqueue.New(db)
	srv := New(Options{
		Addr:       ":0",
		AuthSecret: "test-secret",
		SendBuffer: 16,
		DB:         db,
		Cache:      c,
		Jobs:       jobs,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events, err := c.Subscribe(runCtx, TopicBranches, jobqueue.TopicJobs, "custom")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go srv.Dispatcher().Run(runCtx, events)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	tok, err := signToken("test-secret", "tester", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &testEnv{srv: srv, http: hs, db: db, cache: c, jobs: jobs, token: tok}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.http.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp.StatusCode, err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(e.http.URL + "/readyz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %v %v", resp.StatusCode, err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(e.http.URL + "/version")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("version: %v %v", resp.StatusCode, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.HasPrefix(string(body), "fabricia") {
		t.Fatalf("version body: %q", body)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.http.URL + "/api/branch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthTokenEndpoint(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Post(e.http.URL+"/api/auth/token", "application/json",
		strings.NewReader(`{"subject":"worker","ttl_seconds":60}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub, err := verifyToken("test-secret", body.Token); err != nil || sub != "worker" {
		t.Fatalf("issued token: sub=%q err=%v", sub, err)
	}
}

func TestBranchCRUD(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPut, "/api/branch/main", map[string]any{"upstream": "origin"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	created := decode[Branch](t, resp)
	if created.Name != "main" || created.Status != "pending" {
		t.Fatalf("created = %+v", created)
	}

	// Duplicate name conflicts.
	resp = e.do(t, http.MethodPut, "/api/branch/main", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: %d", resp.StatusCode)
	}

	resp = e.do(t, http.MethodGet, "/api/branch/main", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d", resp.StatusCode)
	}
	got := decode[Branch](t, resp)
	if string(got.Config) != `{"upstream":"origin"}` {
		t.Fatalf("config = %s", got.Config)
	}

	resp = e.do(t, http.MethodPatch, "/api/branch/main", map[string]any{"upstream": "fork"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch: %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, "/api/branch", nil)
	list := decode[[]Branch](t, resp)
	if len(list) != 1 || string(list[0].Config) != `{"upstream":"fork"}` {
		t.Fatalf("list = %+v", list)
	}

	resp = e.do(t, http.MethodDelete, "/api/branch/main", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodGet, "/api/branch/main", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodDelete, "/api/branch/main", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double delete: %d", resp.StatusCode)
	}
}

func TestBranchCreateEnqueuesSyncJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	resp := e.do(t, http.MethodPut, "/api/branch/dev", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	if n, err := e.jobs.CountPending(ctx); err != nil || n != 1 {
		t.Fatalf("pending jobs: n=%d err=%v", n, err)
	}

	w := NewWorker(e.db, e.jobs, e.cache)
	if err := w.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	resp = e.do(t, http.MethodGet, "/api/branch/dev", nil)
	got := decode[Branch](t, resp)
	if got.Status != "ready" {
		t.Fatalf("status after sync = %q", got.Status)
	}
	if n, _ := e.jobs.CountPending(ctx); n != 0 {
		t.Fatalf("pending jobs after drain: %d", n)
	}
}

func TestPublishValidation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodPost, "/api/publish", map[string]any{"payload": 1})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing topic: %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/api/publish", map[string]any{"topic": "Bad Topic!", "payload": 1})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad topic: %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/api/publish", map[string]any{"topic": "custom", "payload": map[string]int{"n": 1}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("valid publish: %d", resp.StatusCode)
	}
	ack := decode[map[string]any](t, resp)
	if ack["topic"] != "custom" {
		t.Fatalf("ack = %v", ack)
	}
}

func wsDial(t *testing.T, e *testEnv, topics string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/ws?token=" + e.token + "&topics=" + topics
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebsocketReceivesCommittedChanges(t *testing.T) {
	e := newTestEnv(t)
	conn := wsDial(t, e, TopicBranches)

	// Give the dispatcher a moment to register the session.
	deadline := time.Now().Add(2 * time.Second)
	for e.srv.Dispatcher().Sessions() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := e.do(t, http.MethodPut, "/api/branch/live", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f fanout.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Topic != TopicBranches || f.Seq == 0 || f.Gap {
		t.Fatalf("frame %+v", f)
	}
	var ev struct {
		Op   string `json:"op"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Op != "created" || ev.Name != "live" {
		t.Fatalf("event %+v", ev)
	}
}

func TestWebsocketRequiresTopics(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/ws?token=" + e.token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp = %+v", resp)
	}
}
