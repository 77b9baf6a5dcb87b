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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"indexfs/internal/txn"
)

// RecordTransaction upserts a finished transaction into the audit table.
// Implements txn.AuditStore.
func (s *Store) RecordTransaction(ctx context.Context, tx *txn.Transaction) error {
	ops, err := json.Marshal(tx.Ops)
	if err != nil {
		return fmt.Errorf("failed to marshal operations: %w", err)
	}
	model := &TransactionModel{
		ID:        tx.ID,
		Status:    string(tx.Status),
		Ops:       string(ops),
		Error:     tx.Error,
		CreatedAt: tx.CreatedAt.Unix(),
		UpdatedAt: tx.UpdatedAt.Unix(),
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.bun.NewInsert().
			Model(model).
			On("CONFLICT (id) DO UPDATE").
			Set("status = EXCLUDED.status").
			Set("ops = EXCLUDED.ops").
			Set("error = EXCLUDED.error").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to record transaction: %w", err)
		}
		return nil
	})
}

// RecentTransactions returns audit records updated within the window,
// newest first.
func (s *Store) RecentTransactions(ctx context.Context, window time.Duration) ([]*txn.Transaction, error) {
	cutoff := time.Now().Add(-window).Unix()
	var models []TransactionModel
	err := s.bun.NewSelect().
		Model(&models).
		Where("updated_at >= ?", cutoff).
		Order("updated_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*txn.Transaction, 0, len(models))
	for i := range models {
		tx, err := modelToTransaction(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// PruneTransactions deletes audit records older than the retention
// window and returns how many went.
func (s *Store) PruneTransactions(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	var affected int64
	err := s.retryWrite(ctx, func() error {
		res, err := s.bun.NewDelete().
			Model((*TransactionModel)(nil)).
			Where("updated_at < ?", cutoff).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to prune transactions: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func modelToTransaction(m *TransactionModel) (*txn.Transaction, error) {
	tx := &txn.Transaction{
		ID:        m.ID,
		Status:    txn.Status(m.Status),
		Error:     m.Error,
		CreatedAt: time.Unix(m.CreatedAt, 0),
		UpdatedAt: time.Unix(m.UpdatedAt, 0),
	}
	if err := json.Unmarshal([]byte(m.Ops), &tx.Ops); err != nil {
		return nil, fmt.Errorf("corrupt ops payload for transaction %s: %w", m.ID, err)
	}
	return tx, nil
}
