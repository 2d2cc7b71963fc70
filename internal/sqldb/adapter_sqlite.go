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
	"fmt"
	"path/filepath"
	"strings"

	// Pure-Go SQLite driver (CGO-free)
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteAdapter drives the embedded-file variant through the modernc driver.
type sqliteAdapter struct {
	path string
}

func (a *sqliteAdapter) variant() Variant { return VariantSQLite }

// sqliteDSN normalizes a configured path into a URI DSN that carries a busy
// timeout. Several pool connections write to one file; without the timeout a
// write that collides with another connection fails with SQLITE_BUSY
// immediately. Parameters on a user-supplied URI are kept as given.
func sqliteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?cache=shared", filepath.ToSlash(path))
	}
	if !strings.Contains(dsn, "busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}
	return dsn
}

// open opens the database file, enables WAL mode and foreign keys, and pins
// the *sql.DB to a single connection; concurrency is handled by the pool
// above, not by the driver.
func (a *sqliteAdapter) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(a.path))
	if err != nil {
		return nil, wrapKind(ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, a.classify(err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, a.classify(err)
	}
	return db, nil
}

// rebind is the identity for SQLite; `?` is the native placeholder.
func (a *sqliteAdapter) rebind(query string) string { return query }

// insertReturningID relies on last_insert_rowid, which the driver surfaces
// through Result.LastInsertId; SQLite needs no returning clause for it.
func (a *sqliteAdapter) insertReturningID(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, a.classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, a.classify(err)
	}
	return id, nil
}

func (a *sqliteAdapter) classify(err error) error {
	if c := classifyCommon(err); c != nil || err == nil {
		return c
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return wrapKind(ErrConstraintViolation, err)
		case sqlite3.SQLITE_ERROR:
			// modernc reports parse failures as the generic SQLITE_ERROR
			return wrapKind(ErrSyntax, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
			return wrapKind(ErrBackendUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("sqlite: %w", err)
}
