/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package telemetry is an opt-in, best-effort sender for anonymous usage
// events and crash reports. Everything is disabled by default; with no
// endpoint configured every call is a no-op even when opted in.
//
// Environment variables:
//   - FAB_TELEMETRY_OPT_IN:     "1", "true", "yes", "on" to enable
//   - FAB_TELEMETRY_URL:        endpoint for JSON usage events
//   - FAB_CRASH_UPLOAD_URL:     endpoint for crash report uploads
//   - FAB_TELEMETRY_TIMEOUT_MS: request timeout, default 1500
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	applog "github.com/xtexx/fabricia/internal/log"
	"github.com/xtexx/fabricia/internal/version"
)

type Config struct {
	OptIn     bool
	EventsURL string
	CrashURL  string
	Timeout   time.Duration
}

func FromEnv() Config {
	cfg := Config{
		OptIn:     parseBool(os.Getenv("FAB_TELEMETRY_OPT_IN")),
		EventsURL: strings.TrimSpace(os.Getenv("FAB_TELEMETRY_URL")),
		CrashURL:  strings.TrimSpace(os.Getenv("FAB_CRASH_UPLOAD_URL")),
		Timeout:   1500 * time.Millisecond,
	}
	if v := strings.TrimSpace(os.Getenv("FAB_TELEMETRY_TIMEOUT_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Client sends events asynchronously over a bounded queue. When the queue
// is full events are dropped; telemetry never blocks the caller.
type Client struct {
	cfg    Config
	log    *slog.Logger
	http   *http.Client
	queue  chan map[string]any
	closed chan struct{}
	once   sync.Once
}

var (
	defaultClient *Client
	defaultOnce   sync.Once
)

// Default returns the package-level client, built from the environment on
// first use.
func Default() *Client {
	defaultOnce.Do(func() { defaultClient = New(FromEnv()) })
	return defaultClient
}

func New(cfg Config) *Client {
	c := &Client{
		cfg:    cfg,
		log:    applog.WithComponent("telemetry"),
		http:   &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan map[string]any, 64),
		closed: make(chan struct{}),
	}
	go c.run()
	return c
}

// Enabled reports whether usage events will actually be sent.
func (c *Client) Enabled() bool { return c != nil && c.cfg.OptIn && c.cfg.EventsURL != "" }

// Event queues one usage event. Property values must not contain PII.
func (c *Client) Event(name string, props map[string]any) {
	if !c.Enabled() || name == "" {
		return
	}
	payload := map[string]any{
		"name":    name,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"version": version.String(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	}
	for k, v := range props {
		payload[k] = v
	}
	select {
	case c.queue <- payload:
	default:
	}
}

// Event queues a usage event on the default client.
func Event(name string, props map[string]any) { Default().Event(name, props) }

// UploadCrash posts a serialized crash report if crash uploads are
// configured. The upload runs in its own goroutine.
func (c *Client) UploadCrash(report []byte) {
	if c == nil || !c.cfg.OptIn || c.cfg.CrashURL == "" {
		return
	}
	body := append([]byte(nil), report...)
	go func() {
		req, err := http.NewRequest(http.MethodPost, c.cfg.CrashURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debug("crash upload failed", slog.Any("err", err))
			return
		}
		_ = resp.Body.Close()
	}()
}

// UploadCrash posts a crash report through the default client.
func UploadCrash(report []byte) { Default().UploadCrash(report) }

// Flush waits briefly for queued events to drain, bounded by ctx and an
// internal deadline.
func (c *Client) Flush(ctx context.Context) {
	deadline := time.Now().Add(500 * time.Millisecond)
	for len(c.queue) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Close stops the sender goroutine.
func (c *Client) Close() { c.once.Do(func() { close(c.closed) }) }

func (c *Client) run() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.queue:
			c.send(payload)
		}
	}
}

func (c *Client) send(payload map[string]any) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, c.cfg.EventsURL, bytes.NewReader(buf))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("event send failed", slog.Any("err", err))
		return
	}
	_ = resp.Body.Close()
}
