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
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresAdapter drives the centralized-server variant through pgx's
// database/sql driver.
type postgresAdapter struct {
	dsn string
}

func (a *postgresAdapter) variant() Variant { return VariantPostgres }

// open dials one physical connection. The *sql.DB is pinned to a single
// underlying conn so the pool above keeps full control over concurrency and
// statement ordering.
func (a *postgresAdapter) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", a.dsn)
	if err != nil {
		return nil, wrapKind(ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, a.classify(err)
	}
	return db, nil
}

func (a *postgresAdapter) rebind(query string) string { return rebindDollar(query) }

// insertReturningID appends a RETURNING clause, which Postgres supports
// natively; LastInsertId is not available through the pgx driver.
func (a *postgresAdapter) insertReturningID(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var id int64
	stmt := strings.TrimRight(strings.TrimSpace(a.rebind(query)), ";") + " RETURNING id"
	if err := q.QueryRowContext(ctx, stmt, args...).Scan(&id); err != nil {
		return 0, a.classify(err)
	}
	return id, nil
}

// SQLSTATE class prefixes, per the PostgreSQL documentation.
const (
	pgClassConnection      = "08"
	pgClassIntegrity       = "23"
	pgClassSyntax          = "42"
	pgClassInsufficientRes = "53"
	pgClassOperator        = "57" // operator intervention (shutdown, crash)
)

func (a *postgresAdapter) classify(err error) error {
	if c := classifyCommon(err); c != nil || err == nil {
		return c
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case pgClassIntegrity:
			return wrapKind(ErrConstraintViolation, err)
		case pgClassSyntax:
			return wrapKind(ErrSyntax, err)
		case pgClassConnection, pgClassOperator, pgClassInsufficientRes:
			return wrapKind(ErrBackendUnavailable, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return wrapKind(ErrBackendUnavailable, err)
	}
	return fmt.Errorf("postgres: %w", err)
}
