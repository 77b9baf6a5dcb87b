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

package common

import "errors"

// Sentinel errors shared across the indexer, search and transaction layers.
// Callers match with errors.Is; layers add context with fmt.Errorf %w.
var (
	// ErrVolumeAccess indicates the volume itself is unavailable. Fatal for
	// that volume only; other volumes keep indexing.
	ErrVolumeAccess = errors.New("volume access error")

	// ErrPermissionDenied is returned when raw volume access requires
	// elevation the process does not have. Fatal for the requested action.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCorruptRecord marks a single unparsable table or journal record.
	// Recoverable: the record is skipped and counted, never aborting a scan.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrSequenceGap is returned when a change event arrives out of order.
	// The event is rejected and a full rescan must run before resuming.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrNeedsFullRescan signals journal wrap or truncation. The volume
	// table must be rescanned before the journal stream resumes.
	ErrNeedsFullRescan = errors.New("journal requires full rescan")

	// ErrQuerySyntax marks a malformed search query. Caller error, never
	// retried by the core.
	ErrQuerySyntax = errors.New("query syntax error")

	// ErrLockConflict is returned when a transaction targets a path locked
	// by another in-flight transaction. Caller-retryable.
	ErrLockConflict = errors.New("lock conflict")

	// ErrVerificationFailed marks a post-operation hash mismatch. The
	// transaction halts; rollback is an explicit caller decision.
	ErrVerificationFailed = errors.New("operation verification failed")

	// ErrInvalidState is returned for transaction state transitions outside
	// the documented state machine.
	ErrInvalidState = errors.New("invalid state transition")

	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrInvalidPath = errors.New("invalid path")
	ErrClosed      = errors.New("closed")

	// ErrBusy is returned when a bounded queue is full. Caller-retryable.
	ErrBusy = errors.New("busy")
)
