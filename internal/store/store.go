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

// Package store persists the index, journal cursors and transaction audit
// records in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"indexfs/internal/util"
)

// Store is a SQLite-backed persistence layer shared by the index builder
// (warm start), journal monitors (cursors) and the transaction manager
// (audit trail).
type Store struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// Open opens or creates the store at path. A schema version mismatch wipes
// the data tables; the returned rebuilt flag tells the caller a full
// volume rescan is required.
func Open(path string) (*Store, bool, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open store: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, false, err
	}
	if err := execStatements(db, storeSchema); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}
	rebuilt, err := s.checkSchemaVersion(context.Background())
	if err != nil {
		db.Close()
		return nil, false, err
	}
	return s, rebuilt, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkSchemaVersion compares the stored version against SchemaVersion
// and wipes incompatible data rather than attempting migration.
func (s *Store) checkSchemaVersion(ctx context.Context) (bool, error) {
	var info SchemaInfoModel
	err := s.bun.NewSelect().
		Model(&info).
		Where("key = ?", "version").
		Scan(ctx)
	switch {
	case err == sql.ErrNoRows:
		return false, s.setVersion(ctx)
	case err != nil:
		return false, fmt.Errorf("failed to read schema version: %w", err)
	case info.Value == SchemaVersion:
		return false, nil
	}

	log.WithFields(log.Fields{
		"found": info.Value,
		"want":  SchemaVersion,
	}).Warn("incompatible store schema, wiping for rebuild")

	for _, table := range []string{"files", "cursors", "transactions"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return false, fmt.Errorf("failed to wipe %s: %w", table, err)
		}
	}
	return true, s.setVersion(ctx)
}

func (s *Store) setVersion(ctx context.Context) error {
	_, err := s.bun.NewInsert().
		Model(&SchemaInfoModel{Key: "version", Value: SchemaVersion}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// retryWrite wraps a write in database-lock retry, for the window where a
// CLI invocation and the daemon both hold the store open.
func (s *Store) retryWrite(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, fn, util.StoreRetryOptions(ctx)...)
}
