/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package sqldb

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	applog "github.com/xtexx/fabricia/internal/log"
)

// ChangeEvent describes one committed state change, addressed by topic
// (convention: "<entity>:<id>"). Immutable once handed to the publisher.
type ChangeEvent struct {
	Topic      string
	Payload    []byte
	ProducedAt time.Time
}

// Publisher receives change event batches after a transaction's commit is
// durable. Implemented by the cache tier; delivery is best-effort and must
// never fail the commit path.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DB is the process-wide persistence entry point: the pool, the active
// adapter and the optional change publisher, constructed explicitly at
// startup and drained on shutdown.
type DB struct {
	pool *Pool
	ad   adapter
	pub  Publisher
	log  *slog.Logger
}

// Option adjusts DB construction.
type Option func(*DB)

// WithPublisher wires the change event publisher. Without it, commits simply
// drop their notification batches.
func WithPublisher(p Publisher) Option {
	return func(d *DB) { d.pub = p }
}

// Open validates the pool config, dials the warm connections and returns the
// ready DB. Construction failures here are startup-fatal for the service.
func Open(ctx context.Context, cfg PoolConfig, opts ...Option) (*DB, error) {
	ad, err := newAdapter(cfg.Variant, cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := newPool(ctx, cfg, ad)
	if err != nil {
		return nil, err
	}
	d := &DB{
		pool: pool,
		ad:   ad,
		log:  applog.WithComponent("sqldb").With(slog.String("variant", string(cfg.Variant))),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Variant reports the configured backend variant. Exposed for health
// reporting only; callers must not branch on it for statements.
func (d *DB) Variant() Variant { return d.pool.cfg.Variant }

// Stats exposes pool occupancy.
func (d *DB) Stats() PoolStats { return d.pool.Stats() }

// Ping verifies one connection end to end.
func (d *DB) Ping(ctx context.Context) error {
	h, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := h.conn.db.PingContext(ctx); err != nil {
		h.Taint()
		return d.ad.classify(err)
	}
	return nil
}

// Close drains the pool.
func (d *DB) Close() error { return d.pool.Close() }

// Exec runs a single statement in its own transaction and reports affected rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// QueryRow runs a single-row query outside any caller transaction and scans
// the result into dest. The connection lease is held only for the scan.
func (d *DB) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	h, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	err = h.conn.db.QueryRowContext(ctx, d.ad.rebind(query), args...).Scan(dest...)
	if err != nil && err != sql.ErrNoRows {
		err = d.ad.classify(err)
		if isConnFailure(err) {
			h.Taint()
		}
	}
	return err
}
