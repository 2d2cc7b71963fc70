/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"testing"
	"time"
)

// fakeStore avoids touching the real OS keyring in tests.
type fakeStore struct{ m map[string]string }

func (f *fakeStore) Get(service, key string) (string, error) { return f.m[service+"/"+key], nil }
func (f *fakeStore) Set(service, key, value string) error {
	f.m[service+"/"+key] = value
	return nil
}
func (f *fakeStore) Delete(service, key string) error {
	delete(f.m, service+"/"+key)
	return nil
}

func withFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	old := tokenStore
	fs := &fakeStore{m: map[string]string{}}
	tokenStore = fs
	t.Cleanup(func() { tokenStore = old })
	return fs
}

func TestEnvOverridesDatabase(t *testing.T) {
	withFakeStore(t)
	t.Setenv(EnvDBVariant, "POSTGRES")
	t.Setenv(EnvDBDSN, "postgres://u:p@example.test:5432/fab?sslmode=disable")
	t.Setenv(EnvDBMaxSize, "16")
	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Variant != "postgres" {
		t.Fatalf("Database.Variant = %q, want postgres", cfg.Database.Variant)
	}
	if cfg.Database.DSN != "postgres://u:p@example.test:5432/fab?sslmode=disable" {
		t.Fatalf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Database.MaxSize != 16 {
		t.Fatalf("Database.MaxSize = %d, want 16", cfg.Database.MaxSize)
	}
}

func TestEnvOverridesCacheAddr(t *testing.T) {
	withFakeStore(t)
	t.Setenv(EnvCacheAddr, "redis.example.test:6380")
	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got, want := cfg.Cache.Addr, "redis.example.test:6380"; got != want {
		t.Fatalf("Cache.Addr = %q, want %q", got, want)
	}
}

func TestMergeKeepsFileValues(t *testing.T) {
	dst := Defaults()
	src := Defaults()
	src.Database.Variant = "postgres"
	src.Database.MinIdle = 4
	src.Server.SendBuffer = 128
	src.Logging.Level = "DEBUG"
	mergeInto(&dst, &src)
	if dst.Database.Variant != "postgres" {
		t.Fatalf("variant not merged: %q", dst.Database.Variant)
	}
	if dst.Database.MinIdle != 4 {
		t.Fatalf("min_idle not merged: %d", dst.Database.MinIdle)
	}
	if dst.Server.SendBuffer != 128 {
		t.Fatalf("send_buffer not merged: %d", dst.Server.SendBuffer)
	}
	if dst.Logging.Level != "debug" {
		t.Fatalf("logging level not normalized: %q", dst.Logging.Level)
	}
}

func TestTimeoutHelpers(t *testing.T) {
	d := DatabaseConfig{AcquireTimeoutMs: 250, IdleTimeoutMs: 1000}
	if d.AcquireTimeout() != 250*time.Millisecond {
		t.Fatalf("AcquireTimeout = %v", d.AcquireTimeout())
	}
	if d.IdleTimeout() != time.Second {
		t.Fatalf("IdleTimeout = %v", d.IdleTimeout())
	}
	// zero values fall back to defaults
	var z DatabaseConfig
	if z.AcquireTimeout() != Defaults().Database.AcquireTimeout() {
		t.Fatalf("default AcquireTimeout = %v", z.AcquireTimeout())
	}
}
