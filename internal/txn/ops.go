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
	"fmt"
	"os"
	"path/filepath"

	"indexfs/internal/common"
)

// executor runs one operation kind forward and backward. The executors map
// makes dispatch exhaustive over OpKind; adding a kind without an executor
// fails at AddOperation.
type executor interface {
	execute(m *Manager, tx *Transaction, op *Operation) error
	rollback(m *Manager, tx *Transaction, op *Operation) error
}

var executors = map[OpKind]executor{
	OpMove:    moveExec{},
	OpRename:  moveExec{},
	OpDelete:  deleteExec{},
	OpSymlink: symlinkExec{},
}

// capturePreState fingerprints the source ahead of the mutation. Only
// regular files are hashed; directories and symlinks roll back by path
// alone.
func capturePreState(m *Manager, op *Operation) error {
	info, err := os.Lstat(op.Source)
	if err != nil {
		return fmt.Errorf("source %s: %w", op.Source, common.ErrNotFound)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	hash, err := m.fingerprint(op.Source)
	if err != nil {
		return fmt.Errorf("failed to fingerprint %s: %w", op.Source, err)
	}
	op.PreHash = hash
	return nil
}

// verifyAt re-fingerprints path and compares against the recorded
// pre-state. Empty pre-hash (non-regular source) only checks existence.
func verifyAt(m *Manager, op *Operation, path string) error {
	if op.PreHash == "" {
		if _, err := os.Lstat(path); err != nil {
			return &VerificationError{Path: path, Want: "present", Got: "missing"}
		}
		return nil
	}
	got, err := m.fingerprint(path)
	if err != nil {
		return &VerificationError{Path: path, Want: op.PreHash, Got: "unreadable"}
	}
	if got != op.PreHash {
		return &VerificationError{Path: path, Want: op.PreHash, Got: got}
	}
	return nil
}

func checkDest(op *Operation) error {
	if op.Overwrite {
		return nil
	}
	if _, err := os.Lstat(op.Dest); err == nil {
		return fmt.Errorf("destination %s: %w", op.Dest, common.ErrExists)
	}
	return nil
}

// moveExec relocates a file or directory; rename is the same mechanism
// with a destination in the same directory.
type moveExec struct{}

func (moveExec) execute(m *Manager, tx *Transaction, op *Operation) error {
	if err := capturePreState(m, op); err != nil {
		return err
	}
	if err := checkDest(op); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(op.Dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.Rename(op.Source, op.Dest); err != nil {
		return fmt.Errorf("failed to move %s: %w", op.Source, err)
	}
	if op.LeaveSymlink {
		if err := os.Symlink(op.Dest, op.Source); err != nil {
			return fmt.Errorf("failed to plant origin symlink: %w", err)
		}
	}
	return verifyAt(m, op, op.Dest)
}

func (moveExec) rollback(m *Manager, tx *Transaction, op *Operation) error {
	if op.LeaveSymlink {
		if err := os.Remove(op.Source); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove origin symlink: %w", err)
		}
	}
	if err := os.Rename(op.Dest, op.Source); err != nil {
		return fmt.Errorf("failed to move %s back: %w", op.Dest, err)
	}
	return verifyAt(m, op, op.Source)
}

// deleteExec parks the file in the staging directory instead of erasing
// it, so rollback (and operator remorse within the retention window) can
// restore it.
type deleteExec struct{}

func (deleteExec) execute(m *Manager, tx *Transaction, op *Operation) error {
	if err := capturePreState(m, op); err != nil {
		return err
	}
	staged := filepath.Join(m.cfg.StagingDir,
		fmt.Sprintf("%s-%d-%s", tx.ID, op.Seq, filepath.Base(op.Source)))
	if err := os.Rename(op.Source, staged); err != nil {
		return fmt.Errorf("failed to stage delete of %s: %w", op.Source, err)
	}
	op.StagedPath = staged
	return verifyAt(m, op, staged)
}

func (deleteExec) rollback(m *Manager, tx *Transaction, op *Operation) error {
	if op.StagedPath == "" {
		return fmt.Errorf("no staged copy recorded for %s: %w", op.Source, common.ErrInvalidState)
	}
	if err := os.Rename(op.StagedPath, op.Source); err != nil {
		return fmt.Errorf("failed to restore %s from staging: %w", op.Source, err)
	}
	return verifyAt(m, op, op.Source)
}

// symlinkExec creates a link at Dest pointing to Source.
type symlinkExec struct{}

func (symlinkExec) execute(m *Manager, tx *Transaction, op *Operation) error {
	if err := checkDest(op); err != nil {
		return err
	}
	if op.Overwrite {
		if err := os.Remove(op.Dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear destination: %w", err)
		}
	}
	if err := os.Symlink(op.Source, op.Dest); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	target, err := os.Readlink(op.Dest)
	if err != nil || target != op.Source {
		return &VerificationError{Path: op.Dest, Want: op.Source, Got: target}
	}
	return nil
}

func (symlinkExec) rollback(m *Manager, tx *Transaction, op *Operation) error {
	if err := os.Remove(op.Dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove symlink: %w", err)
	}
	return nil
}
