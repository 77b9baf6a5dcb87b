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

// Package txn executes reversible batches of filesystem operations. Each
// transaction is journaled to a write-ahead log before any mutation, so a
// crash mid-batch is surfaced as an incomplete transaction on restart
// instead of being silently half-applied.
package txn

import (
	"fmt"
	"time"

	"indexfs/internal/common"
)

// Status is a transaction's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuting  Status = "executing"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusAbandoned  Status = "abandoned"
)

// transitions is the complete set of legal status moves. Anything absent
// here is rejected with ErrInvalidState.
var transitions = map[Status][]Status{
	StatusPending:   {StatusExecuting},
	StatusExecuting: {StatusApplied, StatusFailed},
	StatusApplied:   {StatusRolledBack},
	StatusFailed:    {StatusRolledBack, StatusAbandoned},
}

func (s Status) canBecome(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// OpKind tags the operation variant. Each kind has its own executor;
// dispatch is exhaustive over this set.
type OpKind string

const (
	OpMove    OpKind = "move"
	OpRename  OpKind = "rename"
	OpDelete  OpKind = "delete"
	OpSymlink OpKind = "symlink"
)

// OpStatus tracks one operation inside a transaction.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpApplied    OpStatus = "applied"
	OpFailed     OpStatus = "failed"
	OpRolledBack OpStatus = "rolled_back"
)

// Operation is one step of a transaction.
type Operation struct {
	Seq  int    `json:"seq"`
	Kind OpKind `json:"kind"`

	// Source is the path being acted on. Dest is the target for move,
	// rename and symlink; empty for delete.
	Source string `json:"source"`
	Dest   string `json:"dest,omitempty"`

	// Overwrite allows replacing an existing destination.
	Overwrite bool `json:"overwrite,omitempty"`
	// LeaveSymlink plants a symlink at the old location after a move, so
	// stale references keep resolving.
	LeaveSymlink bool `json:"leave_symlink,omitempty"`

	Status OpStatus `json:"status"`
	// PreHash fingerprints the source before execution; rollback and
	// verification both check against it.
	PreHash string `json:"pre_hash,omitempty"`
	// StagedPath is where a delete parked the file.
	StagedPath string `json:"staged_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Transaction is a reversible batch of operations, executed strictly in
// insertion order.
type Transaction struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Ops       []*Operation `json:"ops"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Error     string       `json:"error,omitempty"`
}

// transition moves the transaction to the requested status, enforcing the
// state machine.
func (t *Transaction) transition(to Status) error {
	if !t.Status.canBecome(to) {
		return fmt.Errorf("transaction %s: cannot go from %s to %s: %w",
			t.ID, t.Status, to, common.ErrInvalidState)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// paths returns every filesystem path the operation touches, for the lock
// table.
func (op *Operation) paths() []string {
	if op.Dest == "" {
		return []string{op.Source}
	}
	return []string{op.Source, op.Dest}
}

// VerificationError reports a post-execution hash mismatch. It unwraps to
// ErrVerificationFailed.
type VerificationError struct {
	Path string
	Want string
	Got  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: want %s, got %s", e.Path, e.Want, e.Got)
}

func (e *VerificationError) Unwrap() error { return common.ErrVerificationFailed }
