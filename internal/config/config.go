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
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the
// user scope. Environment variables are treated as read-only overrides at
// runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.

type DatabaseConfig struct {
	// Variant selects the relational engine: "postgres" or "sqlite".
	Variant string `yaml:"variant"`
	// DSN is the connection string (postgres URL) or file path (sqlite).
	DSN              string `yaml:"dsn"`
	MaxSize          int    `yaml:"max_size"`
	MinIdle          int    `yaml:"min_idle"`
	AcquireTimeoutMs int    `yaml:"acquire_timeout_ms"`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms"`
}

type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthSecret is not stored on disk; it comes from FAB_AUTH_SECRET.
	SendBuffer int `yaml:"send_buffer"` // per-client outbound event queue bound
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int            `yaml:"config_version"`
	Database      DatabaseConfig `yaml:"database"`
	Cache         CacheConfig    `yaml:"cache"`
	Server        ServerConfig   `yaml:"server"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Database: DatabaseConfig{
			Variant:          "sqlite",
			DSN:              "fabricia.sqlite",
			MaxSize:          8,
			MinIdle:          1,
			AcquireTimeoutMs: 5000,
			IdleTimeoutMs:    300000,
		},
		Cache:   CacheConfig{Addr: "localhost:6379"},
		Server:  ServerConfig{Addr: ":8080", SendBuffer: 64},
		Logging: LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvDBVariant        = "FAB_DB_VARIANT"
	EnvDBDSN            = "FAB_DB_DSN"
	EnvDBMaxSize        = "FAB_DB_MAX_SIZE"
	EnvDBMinIdle        = "FAB_DB_MIN_IDLE"
	EnvDBAcquireTimeout = "FAB_DB_ACQUIRE_TIMEOUT_MS"
	EnvCacheAddr        = "FAB_CACHE_ADDR"
	EnvCachePassword    = "FAB_CACHE_PASSWORD"
	EnvServerAddr       = "FAB_ADDR"
	EnvAuthSecret       = "FAB_AUTH_SECRET"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "FAB_LOG_LEVEL"
	EnvLogFormat = "FAB_LOG_FORMAT"
	EnvLogSource = "FAB_LOG_SOURCE"
	EnvLogFile   = "FAB_LOG_FILE"
)

// Service/keys for OS keyring.
const (
	keyringService = "Fabricia"
	keyringToken   = "api_token"
)

// tokenStore abstracts keyring, so we can stub in tests.
var tokenStore TokenStore = &osKeyring{}

type TokenStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// osKeyring implements TokenStore using the OS keyring via github.com/zalando/go-keyring.
type osKeyring struct{}

func (k *osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (k *osKeyring) Set(service, key, value string) error    { return keyring.Set(service, key, value) }
func (k *osKeyring) Delete(service, key string) error        { return keyring.Delete(service, key) }

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "Fabricia")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "Fabricia")
	default: // linux and others
		base = filepath.Join(os.Getenv("HOME"), ".config", "fabricia")
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, and merges
// environment overrides. It also loads the API token from the keyring (not
// kept inside the struct; returned separately).
func Load() (AppConfig, string, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, "", err
	}
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err == nil {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)
	// token from keyring
	tok, _ := tokenStore.Get(keyringService, keyringToken)
	return cfg, tok, nil
}

// Save writes the user config YAML and persists the token into the OS keyring (if non-empty).
func Save(cfg AppConfig, token string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if token != "" {
		if err := tokenStore.Set(keyringService, keyringToken, token); err != nil {
			return err
		}
	}
	return nil
}

// SaveToken stores only the API token in the OS keyring.
func SaveToken(token string) error {
	return tokenStore.Set(keyringService, keyringToken, token)
}

// DeleteToken removes the API token from the OS keyring.
func DeleteToken() error {
	return tokenStore.Delete(keyringService, keyringToken)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if strings.TrimSpace(src.Database.Variant) != "" {
		dst.Database.Variant = strings.ToLower(strings.TrimSpace(src.Database.Variant))
	}
	if strings.TrimSpace(src.Database.DSN) != "" {
		dst.Database.DSN = strings.TrimSpace(src.Database.DSN)
	}
	if src.Database.MaxSize > 0 {
		dst.Database.MaxSize = src.Database.MaxSize
	}
	if src.Database.MinIdle > 0 {
		dst.Database.MinIdle = src.Database.MinIdle
	}
	if src.Database.AcquireTimeoutMs > 0 {
		dst.Database.AcquireTimeoutMs = src.Database.AcquireTimeoutMs
	}
	if src.Database.IdleTimeoutMs > 0 {
		dst.Database.IdleTimeoutMs = src.Database.IdleTimeoutMs
	}
	if strings.TrimSpace(src.Cache.Addr) != "" {
		dst.Cache.Addr = strings.TrimSpace(src.Cache.Addr)
	}
	if src.Cache.Password != "" {
		dst.Cache.Password = src.Cache.Password
	}
	if src.Cache.DB != 0 {
		dst.Cache.DB = src.Cache.DB
	}
	if strings.TrimSpace(src.Server.Addr) != "" {
		dst.Server.Addr = strings.TrimSpace(src.Server.Addr)
	}
	if src.Server.SendBuffer > 0 {
		dst.Server.SendBuffer = src.Server.SendBuffer
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvDBVariant)); v != "" {
		cfg.Database.Variant = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDSN)); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBMaxSize)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Database.MaxSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBMinIdle)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Database.MinIdle = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBAcquireTimeout)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Database.AcquireTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvCacheAddr)); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv(EnvCachePassword); v != "" {
		cfg.Cache.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerAddr)); v != "" {
		cfg.Server.Addr = v
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		lv := strings.ToLower(v)
		cfg.Logging.Source = lv == "1" || lv == "true" || lv == "on" || lv == "yes"
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// AcquireTimeout returns the pool acquire timeout as a duration.
func (d DatabaseConfig) AcquireTimeout() time.Duration {
	ms := d.AcquireTimeoutMs
	if ms <= 0 {
		ms = Defaults().Database.AcquireTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// IdleTimeout returns the idle connection staleness threshold as a duration.
func (d DatabaseConfig) IdleTimeout() time.Duration {
	ms := d.IdleTimeoutMs
	if ms <= 0 {
		ms = Defaults().Database.IdleTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}
