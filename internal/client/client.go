/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package client is a thin HTTP client for the API, used by the CLI and by
// integrations that do not want to speak the wire protocol directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one API endpoint with an optional bearer token.
type Client struct {
	BaseURL string
	Token   string
	client  *http.Client
}

// New creates a client. baseURL may include a trailing slash; it will be
// normalized.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dest any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server %s %s: %s", method, u.Path, resp.Status)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(dest)
}

// Branch is the API projection of one tracked branch.
type Branch struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// TokenResponse is the issued credential for subsequent calls.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// RequestToken asks the server for a bearer token and stores it on the
// client for subsequent calls.
func (c *Client) RequestToken(ctx context.Context, subject string, ttl time.Duration) (*TokenResponse, error) {
	var out TokenResponse
	req := map[string]any{"subject": subject, "ttl_seconds": int64(ttl / time.Second)}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/token", req, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// ListBranches returns all tracked branches.
func (c *Client) ListBranches(ctx context.Context) ([]Branch, error) {
	var list []Branch
	if err := c.doJSON(ctx, http.MethodGet, "/api/branch", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetBranch fetches one branch by name.
func (c *Client) GetBranch(ctx context.Context, name string) (*Branch, error) {
	var b Branch
	if err := c.doJSON(ctx, http.MethodGet, "/api/branch/"+url.PathEscape(name), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// NewBranch registers a branch with the given config, which may be nil.
func (c *Client) NewBranch(ctx context.Context, name string, config json.RawMessage) (*Branch, error) {
	var b Branch
	var body any
	if config != nil {
		body = config
	}
	if err := c.doJSON(ctx, http.MethodPut, "/api/branch/"+url.PathEscape(name), body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBranchConfig replaces a branch's config.
func (c *Client) UpdateBranchConfig(ctx context.Context, name string, config json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPatch, "/api/branch/"+url.PathEscape(name), config, nil)
}

// DeleteBranch removes a branch.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/branch/"+url.PathEscape(name), nil, nil)
}

// Publish pushes an ad-hoc event onto a topic.
func (c *Client) Publish(ctx context.Context, topic string, payload any) error {
	req := map[string]any{"topic": topic, "payload": payload}
	return c.doJSON(ctx, http.MethodPost, "/api/publish", req, nil)
}

// PendingJobs reports the number of queued background jobs.
func (c *Client) PendingJobs(ctx context.Context) (int64, error) {
	var out struct {
		Pending int64 `json:"pending"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs", nil, &out); err != nil {
		return 0, err
	}
	return out.Pending, nil
}
