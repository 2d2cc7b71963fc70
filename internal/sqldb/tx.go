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
)

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// Tx sequences statements within one logical unit of work on one exclusively
// held connection. The state machine is one-way: Open -> Committed or
// RolledBack; after either, statements fail with ErrTxClosed.
//
// Not safe for concurrent use. Typical shape:
//
//	tx, err := db.Begin(ctx)
//	if err != nil { ... }
//	defer tx.Rollback()
//	...
//	return tx.Commit(ctx)
type Tx struct {
	d       *DB
	h       *Handle
	tx      *sql.Tx
	state   txState
	events  []ChangeEvent
	connErr bool
}

// Begin leases a connection eagerly (no lazy acquisition, so nested retry
// logic cannot deadlock on pool capacity) and opens a backend transaction.
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	h, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	stx, err := h.conn.db.BeginTx(ctx, nil)
	if err != nil {
		err = d.ad.classify(err)
		if isConnFailure(err) {
			h.Taint()
		}
		h.Release()
		return nil, err
	}
	return &Tx{d: d, h: h, tx: stx}, nil
}

// fail classifies err, records connection-level damage, and returns the
// classified error.
func (t *Tx) fail(err error) error {
	err = t.d.ad.classify(err)
	if isConnFailure(err) {
		t.connErr = true
	}
	return err
}

// Exec runs one statement and returns the number of affected rows.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if t.state != txOpen {
		return 0, ErrTxClosed
	}
	res, err := t.tx.ExecContext(ctx, t.d.ad.rebind(query), args...)
	if err != nil {
		return 0, t.fail(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, t.fail(err)
	}
	return n, nil
}

// Query runs a multi-row query. The caller must close the rows before the
// transaction ends.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.state != txOpen {
		return nil, ErrTxClosed
	}
	rows, err := t.tx.QueryContext(ctx, t.d.ad.rebind(query), args...)
	if err != nil {
		return nil, t.fail(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query and scans into dest. sql.ErrNoRows passes
// through unclassified so callers can test for it.
func (t *Tx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	if t.state != txOpen {
		return ErrTxClosed
	}
	err := t.tx.QueryRowContext(ctx, t.d.ad.rebind(query), args...).Scan(dest...)
	if err != nil && err != sql.ErrNoRows {
		return t.fail(err)
	}
	return err
}

// InsertReturningID runs an INSERT written without a returning clause against
// a table whose primary key is an integer `id` column, and yields the
// generated key. The adapter supplies whichever retrieval mechanism the
// engine offers.
func (t *Tx) InsertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if t.state != txOpen {
		return 0, ErrTxClosed
	}
	id, err := t.d.ad.insertReturningID(ctx, t.tx, query, args...)
	if err != nil {
		if isConnFailure(err) {
			t.connErr = true
		}
		return 0, err
	}
	return id, nil
}

// Notify queues a change event for publication. The batch is handed to the
// publisher only after Commit reports the transaction durable; a rollback
// discards it.
func (t *Tx) Notify(topic string, payload []byte) {
	if t.state != txOpen {
		return
	}
	t.events = append(t.events, ChangeEvent{Topic: topic, Payload: payload, ProducedAt: time.Now().UTC()})
}

// Commit makes the transaction durable, releases the connection Healthy, and
// only then publishes the queued event batch. Publish failures degrade to a
// warning; persistence is not best-effort, fan-out is.
func (t *Tx) Commit(ctx context.Context) error {
	if t.state != txOpen {
		return ErrTxClosed
	}
	if err := t.tx.Commit(); err != nil {
		t.state = txRolledBack
		err = t.fail(err)
		t.releaseHandle()
		return err
	}
	t.state = txCommitted
	t.releaseHandle()
	t.publishEvents(ctx)
	return nil
}

// Rollback reverts the transaction and releases the connection. Calling it
// after Commit (the usual defer shape) is a no-op. The handle is released
// Tainted when a connection-level failure was observed, including statement
// cancellation mid-flight.
func (t *Tx) Rollback() error {
	if t.state != txOpen {
		return nil
	}
	t.state = txRolledBack
	t.events = nil
	err := t.tx.Rollback()
	if err != nil {
		err = t.fail(err)
	}
	t.releaseHandle()
	return err
}

func (t *Tx) releaseHandle() {
	if t.connErr {
		t.h.Taint()
	}
	t.h.Release()
}

func (t *Tx) publishEvents(ctx context.Context) {
	if t.d.pub == nil || len(t.events) == 0 {
		return
	}
	for _, ev := range t.events {
		if err := t.d.pub.Publish(ctx, ev.Topic, ev.Payload); err != nil {
			// Dropped notification: subscribers resynchronize via re-fetch.
			t.d.log.Warn("change event publish failed",
				slog.String("topic", ev.Topic), slog.Any("err", err))
		}
	}
	t.events = nil
}
