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
	"errors"
	"os"
	"testing"
	"time"
)

// Cross-backend conformance: the identical logical operations must yield the
// identical observable results on both variants. The Postgres side runs only
// when FAB_PG_DSN points at a disposable database; otherwise it is skipped,
// never silently passed against the wrong engine.

func openPGForTest(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("FAB_PG_DSN")
	if dsn == "" {
		t.Skip("FAB_PG_DSN not set; skipping postgres side")
	}
	d, err := Open(context.Background(), PoolConfig{
		Variant:        VariantPostgres,
		DSN:            dsn,
		MaxSize:        4,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    time.Minute,
	})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func conformanceSchema(t *testing.T, d *DB) {
	t.Helper()
	ctx := context.Background()
	ddl := map[Variant][]string{
		VariantPostgres: {
			`DROP TABLE IF EXISTS conf_rows`,
			`CREATE TABLE conf_rows (
				id         BIGSERIAL PRIMARY KEY,
				label      TEXT NOT NULL UNIQUE,
				count      BIGINT,
				uid        TEXT,
				doc        TEXT,
				created_at TEXT NOT NULL
			)`,
		},
		VariantSQLite: {
			`DROP TABLE IF EXISTS conf_rows`,
			`CREATE TABLE conf_rows (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				label      TEXT NOT NULL UNIQUE,
				count      BIGINT,
				uid        TEXT,
				doc        TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	}
	for _, stmt := range ddl[d.Variant()] {
		if _, err := d.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s schema: %v", d.Variant(), stmt)
		}
	}
}

// runConformance executes the shared logical operations against one backend.
// Everything below the schema is variant-free: same statements, same
// placeholder order, same expectations.
func runConformance(t *testing.T, d *DB) {
	ctx := context.Background()
	conformanceSchema(t, d)
	now := time.Now().UTC().Format(time.RFC3339)

	t.Run("insert_returning_key", func(t *testing.T) {
		tx, err := d.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		id1, err := tx.InsertReturningID(ctx,
			`INSERT INTO conf_rows (label, count, uid, doc, created_at) VALUES (?, ?, ?, ?, ?)`,
			"first", int64(10), "018f4e9a-0000-7000-8000-000000000001", `{"k":1}`, now)
		if err != nil {
			t.Fatalf("insert 1: %v", err)
		}
		id2, err := tx.InsertReturningID(ctx,
			`INSERT INTO conf_rows (label, count, uid, doc, created_at) VALUES (?, ?, ?, ?, ?)`,
			"second", nil, nil, nil, now)
		if err != nil {
			t.Fatalf("insert 2: %v", err)
		}
		if id2 != id1+1 {
			t.Fatalf("generated keys not sequential: %d then %d", id1, id2)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	})

	t.Run("null_handling", func(t *testing.T) {
		var count sql.NullInt64
		var uid sql.NullString
		if err := d.QueryRow(ctx, `SELECT count, uid FROM conf_rows WHERE label = ?`, []any{"second"}, &count, &uid); err != nil {
			t.Fatalf("select: %v", err)
		}
		if count.Valid || uid.Valid {
			t.Fatalf("expected NULLs, got count=%v uid=%v", count, uid)
		}
	})

	t.Run("constraint_violation", func(t *testing.T) {
		tx, err := d.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		_, err = tx.Exec(ctx, `INSERT INTO conf_rows (label, created_at) VALUES (?, ?)`, "first", now)
		if !errors.Is(err, ErrConstraintViolation) {
			t.Fatalf("duplicate label: %v, want ErrConstraintViolation", err)
		}
	})

	t.Run("syntax_error", func(t *testing.T) {
		tx, err := d.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		if _, err := tx.Exec(ctx, `INSERT INTO`); !errors.Is(err, ErrSyntax) {
			t.Fatalf("truncated statement: %v, want ErrSyntax", err)
		}
	})

	t.Run("rollback_invisibility", func(t *testing.T) {
		tx, err := d.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO conf_rows (label, created_at) VALUES (?, ?)`, "phantom", now); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		var n int64
		if err := d.QueryRow(ctx, `SELECT COUNT(*) FROM conf_rows WHERE label = ?`, []any{"phantom"}, &n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Fatalf("phantom row visible after rollback")
		}
	})

	t.Run("shared_type_round_trip", func(t *testing.T) {
		var label, uid, doc, created string
		var count int64
		err := d.QueryRow(ctx,
			`SELECT label, count, uid, doc, created_at FROM conf_rows WHERE label = ?`,
			[]any{"first"}, &label, &count, &uid, &doc, &created)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if label != "first" || count != 10 || doc != `{"k":1}` || created != now {
			t.Fatalf("round trip mismatch: %q %d %q %q", label, count, doc, created)
		}
		if uid != "018f4e9a-0000-7000-8000-000000000001" {
			t.Fatalf("uuid mismatch: %q", uid)
		}
	})
}

func TestConformanceSQLite(t *testing.T) {
	runConformance(t, openSQLiteDB(t))
}

func TestConformancePostgres(t *testing.T) {
	runConformance(t, openPGForTest(t))
}
