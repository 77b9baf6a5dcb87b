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

package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"indexfs/internal/common"
	"indexfs/internal/util"
)

// Config tunes the transaction manager.
type Config struct {
	// WALDir holds the write-ahead log segments.
	WALDir string `yaml:"wal_dir"`
	// StagingDir receives deleted files until the retention window lapses.
	StagingDir string `yaml:"staging_dir"`
	// Retention is how long staged deletes survive before purge.
	Retention time.Duration `yaml:"retention"`
	// MaxConcurrent caps transactions executing at once; further commits
	// queue.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
}

// AuditStore persists finished transactions for later inspection.
type AuditStore interface {
	RecordTransaction(ctx context.Context, tx *Transaction) error
	RecentTransactions(ctx context.Context, window time.Duration) ([]*Transaction, error)
}

// Manager coordinates reversible filesystem transactions: path locking,
// write-ahead journaling, ordered execution with post-state verification,
// and rollback from recorded pre-state.
type Manager struct {
	cfg   Config
	wal   *wal
	locks *lockTable
	audit AuditStore
	sem   chan struct{}

	// fingerprint is swappable for tests.
	fingerprint func(string) (string, error)

	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewManager opens the WAL, replays any segments left by a previous run,
// and surfaces interrupted transactions as failed ("incomplete"). audit
// may be nil.
func NewManager(cfg Config, audit AuditStore) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	incomplete, err := replayWAL(cfg.WALDir)
	if err != nil {
		return nil, fmt.Errorf("failed to replay wal: %w", err)
	}

	w, err := openWAL(cfg.WALDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		wal:         w,
		locks:       newLockTable(),
		audit:       audit,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		fingerprint: util.FileFingerprint,
		txs:         make(map[string]*Transaction),
	}
	for _, tx := range incomplete {
		m.txs[tx.ID] = tx
		log.WithFields(log.Fields{
			"tx":  tx.ID,
			"ops": len(tx.Ops),
		}).Warn("recovered incomplete transaction from wal")
	}
	return m, nil
}

// Close releases the WAL segment.
func (m *Manager) Close() error {
	return m.wal.close()
}

// Begin opens an empty pending transaction.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	tx := &Transaction{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.txs[tx.ID] = tx
	m.mu.Unlock()

	log.WithField("tx", tx.ID).Debug("transaction opened")
	return tx, nil
}

// AddOperation validates op and appends it to a pending transaction. The
// operation's paths join the shared lock table; overlap with another
// in-flight transaction returns ErrLockConflict, which the caller may
// retry after that transaction finishes.
func (m *Manager) AddOperation(tx *Transaction, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Status != StatusPending {
		return fmt.Errorf("transaction %s is %s, not pending: %w",
			tx.ID, tx.Status, common.ErrInvalidState)
	}
	if _, ok := executors[op.Kind]; !ok {
		return fmt.Errorf("unknown operation kind %q: %w", op.Kind, common.ErrInvalidState)
	}

	var err error
	if op.Source, err = common.CanonicalPath(op.Source); err != nil {
		return err
	}
	if op.Dest != "" {
		if op.Dest, err = common.CanonicalPath(op.Dest); err != nil {
			return err
		}
	}

	if _, err := os.Lstat(op.Source); err != nil {
		return fmt.Errorf("source %s: %w", op.Source, common.ErrNotFound)
	}
	if op.Dest != "" && op.Kind != OpSymlink {
		if err := checkDest(&op); err != nil {
			return err
		}
	}
	if op.Kind != OpDelete && op.Dest == "" {
		return fmt.Errorf("operation %s requires a destination: %w", op.Kind, common.ErrInvalidState)
	}

	if err := m.locks.acquire(tx.ID, op.paths()); err != nil {
		return err
	}

	op.Seq = len(tx.Ops) + 1
	op.Status = OpPending
	tx.Ops = append(tx.Ops, &op)
	tx.UpdatedAt = time.Now()
	return nil
}

// Commit executes the transaction's operations strictly in insertion
// order. The first failure marks the operation and the transaction failed
// and stops; operations already applied stay applied until Rollback.
// Admission is limited by the configured semaphore; excess commits wait.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.sem }()

	m.mu.Lock()
	err := tx.transition(StatusExecuting)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer m.locks.release(tx.ID)

	if err := m.wal.append(walRecord{TxID: tx.ID, Phase: phaseBegin}); err != nil {
		return m.failTx(tx, err)
	}

	for _, op := range tx.Ops {
		if err := ctx.Err(); err != nil {
			// Cancelled between operations. Applied work stays applied;
			// the caller decides whether to roll back.
			return m.failTx(tx, err)
		}
		if err := m.executeOp(tx, op); err != nil {
			return m.failTx(tx, err)
		}
	}

	if err := m.wal.append(walRecord{TxID: tx.ID, Phase: phaseCommit}); err != nil {
		return m.failTx(tx, err)
	}

	m.mu.Lock()
	err = tx.transition(StatusApplied)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.recordAudit(tx)

	log.WithFields(log.Fields{
		"tx":  tx.ID,
		"ops": len(tx.Ops),
	}).Info("transaction committed")
	return nil
}

// executeOp journals, runs and verifies one operation.
func (m *Manager) executeOp(tx *Transaction, op *Operation) error {
	if err := m.wal.append(walRecord{
		TxID: tx.ID, Phase: phaseOpStart,
		OpSeq: op.Seq, Kind: op.Kind, Source: op.Source, Dest: op.Dest,
	}); err != nil {
		return err
	}

	if err := executors[op.Kind].execute(m, tx, op); err != nil {
		op.Status = OpFailed
		op.Error = err.Error()
		if walErr := m.wal.append(walRecord{
			TxID: tx.ID, Phase: phaseOpFailed, OpSeq: op.Seq, ErrorMsg: err.Error(),
		}); walErr != nil {
			log.WithError(walErr).Error("failed to journal operation failure")
		}
		return err
	}

	op.Status = OpApplied
	return m.wal.append(walRecord{
		TxID: tx.ID, Phase: phaseOpDone,
		OpSeq: op.Seq, PreHash: op.PreHash, Staged: op.StagedPath,
	})
}

// failTx journals and records a transaction failure, returning cause.
func (m *Manager) failTx(tx *Transaction, cause error) error {
	if err := m.wal.append(walRecord{TxID: tx.ID, Phase: phaseFail, ErrorMsg: cause.Error()}); err != nil {
		log.WithError(err).Error("failed to journal transaction failure")
	}
	m.mu.Lock()
	tx.Error = cause.Error()
	if err := tx.transition(StatusFailed); err != nil {
		log.WithError(err).Warn("transaction failure in unexpected state")
	}
	m.mu.Unlock()
	m.recordAudit(tx)

	log.WithFields(log.Fields{"tx": tx.ID, "error": cause}).Warn("transaction failed")
	return cause
}

// Rollback reverses the applied operations in reverse order, restoring
// each from its recorded pre-state. Valid from applied and failed.
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	if !tx.Status.canBecome(StatusRolledBack) {
		m.mu.Unlock()
		return fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, common.ErrInvalidState)
	}
	m.mu.Unlock()

	// The commit path released these; rollback needs them back.
	var paths []string
	for _, op := range tx.Ops {
		paths = append(paths, op.paths()...)
	}
	if err := m.locks.acquire(tx.ID, paths); err != nil {
		return err
	}
	defer m.locks.release(tx.ID)

	if err := m.wal.append(walRecord{TxID: tx.ID, Phase: phaseRollback}); err != nil {
		return err
	}

	for i := len(tx.Ops) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := tx.Ops[i]
		if op.Status != OpApplied {
			continue
		}
		if err := executors[op.Kind].rollback(m, tx, op); err != nil {
			return fmt.Errorf("rollback of operation %d failed: %w", op.Seq, err)
		}
		op.Status = OpRolledBack
	}

	if err := m.wal.append(walRecord{TxID: tx.ID, Phase: phaseRolledBack}); err != nil {
		return err
	}

	m.mu.Lock()
	err := tx.transition(StatusRolledBack)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.recordAudit(tx)

	log.WithField("tx", tx.ID).Info("transaction rolled back")
	return nil
}

// Abandon marks a failed transaction as deliberately left in its partial
// state. Staged deletes stay until retention purges them.
func (m *Manager) Abandon(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := tx.transition(StatusAbandoned); err != nil {
		return err
	}
	m.recordAudit(tx)
	return nil
}

// Get returns a transaction by id.
func (m *Manager) Get(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	return tx, nil
}

// ListRecent returns transactions updated within the window, preferring
// the audit store when one is wired.
func (m *Manager) ListRecent(ctx context.Context, window time.Duration) ([]*Transaction, error) {
	if m.audit != nil {
		return m.audit.RecentTransactions(ctx, window)
	}
	cutoff := time.Now().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if tx.UpdatedAt.After(cutoff) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// PurgeStaging removes staged deletes older than the retention window.
// Called from the compaction schedule.
func (m *Manager) PurgeStaging() (int, error) {
	entries, err := os.ReadDir(m.cfg.StagingDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read staging directory: %w", err)
	}
	cutoff := time.Now().Add(-m.cfg.Retention)
	purged := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.StagingDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("failed to purge staged file")
			continue
		}
		purged++
	}
	if purged > 0 {
		log.WithField("purged", purged).Info("staging purge finished")
	}
	return purged, nil
}

func (m *Manager) recordAudit(tx *Transaction) {
	if m.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.audit.RecordTransaction(ctx, tx); err != nil {
		log.WithError(err).WithField("tx", tx.ID).Error("failed to record transaction audit")
	}
}
