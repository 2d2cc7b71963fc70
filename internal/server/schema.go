/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package server

import (
	"github.com/xtexx/fabricia/internal/jobqueue"
	"github.com/xtexx/fabricia/internal/sqldb"
)

// Migrations is the application schema in order. New versions are appended,
// never inserted.
func Migrations() []sqldb.Migration {
	return []sqldb.Migration{
		{
			Version: 1,
			Name:    "branches",
			Postgres: []string{
				`CREATE TABLE branches (
					id         BIGSERIAL PRIMARY KEY,
					name       TEXT NOT NULL UNIQUE,
					config     TEXT NOT NULL,
					status     TEXT NOT NULL DEFAULT 'pending',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
			},
			SQLite: []string{
				`CREATE TABLE branches (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					name       TEXT NOT NULL UNIQUE,
					config     TEXT NOT NULL,
					status     TEXT NOT NULL DEFAULT 'pending',
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
			},
		},
		jobqueue.Migration(2),
	}
}
