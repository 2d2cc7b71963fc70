/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// fabriciad is the server daemon: it owns the connection pool, applies
// schema migrations at startup, and serves the HTTP, websocket and
// background-worker tiers until it receives a termination signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtexx/fabricia/internal/cache"
	"github.com/xtexx/fabricia/internal/config"
	"github.com/xtexx/fabricia/internal/crash"
	"github.com/xtexx/fabricia/internal/jobqueue"
	applog "github.com/xtexx/fabricia/internal/log"
	"github.com/xtexx/fabricia/internal/server"
	"github.com/xtexx/fabricia/internal/sqldb"
	"github.com/xtexx/fabricia/internal/telemetry"
	"github.com/xtexx/fabricia/internal/version"
)

func main() {
	defer crash.Recover()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		// Schema trouble needs operator attention before a restart helps.
		if errors.Is(err, sqldb.ErrMigrationVersionMismatch) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run() error {
	cfg, _, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := applog.WithComponent("daemon")
	l.Info("starting", slog.String("version", version.String()))
	telemetry.Event("daemon_start", map[string]any{"variant": cfg.Database.Variant})

	secret := os.Getenv(config.EnvAuthSecret)
	if secret == "" {
		secret = "dev-secret-change-me"
		l.Warn("auth secret not set, using insecure dev secret", slog.String("env", config.EnvAuthSecret))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	variant, err := sqldb.ParseVariant(cfg.Database.Variant)
	if err != nil {
		return err
	}

	// The cache tier is optional: a dead Redis degrades fan-out and
	// caching but must not keep the API down.
	var tier *cache.Cache
	c := cache.New(cache.Config{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := c.Ping(pingCtx); err != nil {
		l.Warn("cache tier unavailable, running degraded", slog.Any("err", err))
		_ = c.Close()
	} else {
		tier = c
		defer tier.Close()
	}
	cancel()

	dbOpts := []sqldb.Option{}
	if tier != nil {
		dbOpts = append(dbOpts, sqldb.WithPublisher(tier))
	}
	db, err := sqldb.Open(ctx, sqldb.PoolConfig{
		Variant:        variant,
		DSN:            cfg.Database.DSN,
		MaxSize:        cfg.Database.MaxSize,
		MinIdle:        cfg.Database.MinIdle,
		AcquireTimeout: cfg.Database.AcquireTimeout(),
		IdleTimeout:    cfg.Database.IdleTimeout(),
	}, dbOpts...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	applied, err := db.Migrate(ctx, server.Migrations())
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		l.Info("schema migrated", slog.Int("applied", applied))
	}

	jobs := jobqueue.New(db)
	srv := server.New(server.Options{
		Addr:       cfg.Server.Addr,
		AuthSecret: secret,
		SendBuffer: cfg.Server.SendBuffer,
		DB:         db,
		Cache:      tier,
		Jobs:       jobs,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return server.NewWorker(db, jobs, tier).Run(gctx) })
	if tier != nil {
		g.Go(func() error {
			events, err := tier.SubscribeAll(gctx)
			if err != nil {
				l.Warn("fan-out feed unavailable", slog.Any("err", err))
				return nil
			}
			srv.Dispatcher().Run(gctx, events)
			return nil
		})
	}

	err = g.Wait()
	l.Info("stopped")
	return err
}
