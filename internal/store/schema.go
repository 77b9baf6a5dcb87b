// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is bumped on any incompatible schema change. An on-disk
// store with a different version is wiped and rebuilt from a fresh volume
// scan rather than migrated.
const SchemaVersion = "1"

// Default busy_timeout in milliseconds.
const DefaultBusyTimeout = 30000

const storeSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    volume    TEXT    NOT NULL,
    id        INTEGER NOT NULL,
    parent_id INTEGER NOT NULL,
    name      TEXT    NOT NULL,
    ext       TEXT    NOT NULL DEFAULT '',
    size      INTEGER NOT NULL DEFAULT 0,
    flags     INTEGER NOT NULL DEFAULT 0,
    created   INTEGER NOT NULL DEFAULT 0,
    modified  INTEGER NOT NULL DEFAULT 0,
    accessed  INTEGER NOT NULL DEFAULT 0,
    seq       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (volume, id)
);

CREATE INDEX IF NOT EXISTS idx_files_parent ON files (volume, parent_id);

CREATE TABLE IF NOT EXISTS cursors (
    volume     TEXT PRIMARY KEY,
    journal_id INTEGER NOT NULL,
    seq        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id         TEXT PRIMARY KEY,
    status     TEXT    NOT NULL,
    ops        TEXT    NOT NULL,
    error      TEXT    NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_updated ON transactions (updated_at);
`

// execPragma runs a PRAGMA using Query (not Exec) because libsql returns
// rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas configures a freshly opened libsql connection. libsql
// ignores DSN _pragma parameters, so everything is set explicitly, busy
// timeout first so the WAL conversion waits on locks instead of failing.
func applyPragmas(db *sql.DB) error {
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// execStatements runs semicolon-separated DDL one statement at a time for
// libsql compatibility.
func execStatements(db *sql.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
