/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package sqldb is the backend-agnostic persistence core: a bounded
// connection pool, a statement adapter per relational engine (PostgreSQL and
// embedded SQLite), a transaction coordinator that publishes change events
// only after a durable commit, and a versioned migration runner.
//
// Callers write statements once, with `?` placeholders and the shared type
// subset (integers, text, RFC3339 timestamps, UUID strings, JSON blobs); the
// active adapter translates placeholders, generated-key retrieval and error
// codes so that no caller ever branches on the engine variant.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Variant identifies one of the two supported relational engines.
type Variant string

const (
	// VariantPostgres is the centralized-server engine, driven by pgx's
	// database/sql driver.
	VariantPostgres Variant = "postgres"
	// VariantSQLite is the embedded file engine, driven by the CGO-free
	// modernc driver.
	VariantSQLite Variant = "sqlite"
)

// ParseVariant normalizes a configuration string into a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return VariantPostgres, nil
	case "sqlite", "sqlite3":
		return VariantSQLite, nil
	default:
		return "", fmt.Errorf("unknown backend variant %q", s)
	}
}

// querier is the subset of database/sql execution methods shared by *sql.DB
// and *sql.Tx that adapters operate on.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// adapter translates backend-agnostic statement execution into the concrete
// engine's wire format. One implementation exists per Variant; callers only
// ever see the shared contract.
type adapter interface {
	variant() Variant
	// open establishes one physical connection, modeled as a *sql.DB pinned
	// to a single underlying conn so per-connection statement order holds.
	open(ctx context.Context) (*sql.DB, error)
	// rebind rewrites `?` placeholders into the engine's parameter syntax.
	rebind(query string) string
	// insertReturningID runs an INSERT (written without any returning clause)
	// and yields the generated integer key, hiding the engines' divergent
	// auto-increment semantics.
	insertReturningID(ctx context.Context, q querier, query string, args ...any) (int64, error)
	// classify maps a raw driver error onto the package error taxonomy.
	classify(err error) error
}

func newAdapter(v Variant, dsn string) (adapter, error) {
	switch v {
	case VariantPostgres:
		return &postgresAdapter{dsn: dsn}, nil
	case VariantSQLite:
		return &sqliteAdapter{path: dsn}, nil
	default:
		return nil, fmt.Errorf("unknown backend variant %q", v)
	}
}

// rebindDollar rewrites `?` placeholders to `$1..$n`, skipping quoted
// literals. Sufficient for the statement subset this core executes; nested
// dollar-quoting is not supported.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inSingle := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			// handle escaped '' inside literals
			if inSingle && i+1 < len(query) && query[i+1] == '\'' {
				b.WriteString("''")
				i++
				continue
			}
			inSingle = !inSingle
			b.WriteByte(c)
		case c == '?' && !inSingle:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
