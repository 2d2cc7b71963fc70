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
	"fmt"
	"log/slog"
	"time"
)

// Migration is one ordered, idempotent schema change. Versions are strictly
// increasing; the DDL is written once per dialect because the engines'
// type systems diverge exactly where migrations live.
type Migration struct {
	Version  int64
	Name     string
	Postgres []string
	SQLite   []string
}

func (m Migration) statements(v Variant) []string {
	if v == VariantPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// Migrate applies every migration whose version is greater than the persisted
// schema version, each inside its own transaction that also advances the
// version row. A crash mid-run leaves the version consistent with exactly the
// migrations that committed. Returns the number of migrations applied.
//
// A persisted version higher than the highest configured migration means the
// binary is older than the schema; that is ErrMigrationVersionMismatch and
// must abort startup.
func (d *DB) Migrate(ctx context.Context, migrations []Migration) (int, error) {
	l := d.log.With(slog.String("op", "migrate"))
	for i, m := range migrations {
		if m.Version <= 0 {
			return 0, fmt.Errorf("%w: migration %q has non-positive version %d", ErrMigrationVersionMismatch, m.Name, m.Version)
		}
		if i > 0 && m.Version <= migrations[i-1].Version {
			return 0, fmt.Errorf("%w: migration %q version %d does not increase over %d",
				ErrMigrationVersionMismatch, m.Name, m.Version, migrations[i-1].Version)
		}
	}
	if err := d.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	cur, err := d.schemaVersion(ctx)
	if err != nil {
		return 0, err
	}
	if n := len(migrations); n > 0 && cur > migrations[n-1].Version {
		return 0, fmt.Errorf("%w: database is at version %d, newest known migration is %d",
			ErrMigrationVersionMismatch, cur, migrations[n-1].Version)
	}
	applied := 0
	for _, m := range migrations {
		if m.Version <= cur {
			continue
		}
		if err := d.applyMigration(ctx, m); err != nil {
			return applied, fmt.Errorf("apply migration %d %q: %w", m.Version, m.Name, err)
		}
		l.Info("applied migration", slog.Int64("version", m.Version), slog.String("name", m.Name))
		cur = m.Version
		applied++
	}
	return applied, nil
}

// SchemaVersion reads the persisted schema version.
func (d *DB) SchemaVersion(ctx context.Context) (int64, error) {
	if err := d.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	return d.schemaVersion(ctx)
}

// ensureVersionTable creates and seeds the single-row version table. The DDL
// sticks to the type subset both engines share.
func (d *DB) ensureVersionTable(ctx context.Context) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		id         INTEGER PRIMARY KEY CHECK(id = 1),
		version    BIGINT  NOT NULL,
		updated_at TEXT    NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}
	var v int64
	err = tx.QueryRow(ctx, `SELECT version FROM schema_version WHERE id = 1`, nil, &v)
	if err == sql.ErrNoRows {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (id, version, updated_at) VALUES (1, 0, ?)`, now); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	return tx.Commit(ctx)
}

func (d *DB) schemaVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := d.QueryRow(ctx, `SELECT version FROM schema_version WHERE id = 1`, nil, &v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// applyMigration runs the migration's DDL and the version bump in one
// transaction so they commit or fail together.
func (d *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range m.statements(d.Variant()) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	n, err := tx.Exec(ctx, `UPDATE schema_version SET version = ?, updated_at = ? WHERE id = 1 AND version < ?`,
		m.Version, now, m.Version)
	if err != nil {
		return err
	}
	if n == 0 {
		// another process advanced the version underneath us
		return fmt.Errorf("%w: version row moved past %d concurrently", ErrMigrationVersionMismatch, m.Version)
	}
	return tx.Commit(ctx)
}
