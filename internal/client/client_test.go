/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListBranchesSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/branch" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]Branch{{ID: 1, Name: "main", Status: "ready"}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	list, err := c.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "main" {
		t.Fatalf("list = %+v", list)
	}
}

func TestRequestTokenStoresCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["subject"] != "cli" {
			t.Errorf("subject = %v", req["subject"])
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{Token: "issued", ExpiresAt: "2026-01-01T00:00:00Z"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.RequestToken(context.Background(), "cli", time.Hour); err != nil {
		t.Fatalf("request token: %v", err)
	}
	if c.Token != "issued" {
		t.Fatalf("token = %q", c.Token)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if _, err := c.NewBranch(context.Background(), "main", nil); err == nil {
		t.Fatal("expected conflict to surface as error")
	}
}

func TestDeleteBranchEscapesName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if err := c.DeleteBranch(context.Background(), "feature/x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotPath != "/api/branch/feature%2Fx" {
		t.Fatalf("path = %q", gotPath)
	}
}
