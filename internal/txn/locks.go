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
	"sync"

	"indexfs/internal/common"
)

// lockTable serializes access to filesystem paths across in-flight
// transactions. Acquisition is all-or-nothing over a sorted canonical path
// list, which rules out deadlock between transactions locking overlapping
// sets in different orders.
type lockTable struct {
	mu     sync.Mutex
	owners map[string]string // canonical path -> transaction id
}

func newLockTable() *lockTable {
	return &lockTable{owners: make(map[string]string)}
}

// acquire takes every path for owner, or none. Paths already held by the
// same owner are fine (a transaction may touch a path in two operations).
// A path conflicts when another owner holds it, an ancestor of it or a
// descendant of it: moving a directory must exclude transactions working
// inside that subtree. Any conflict fails the whole call with
// ErrLockConflict.
func (l *lockTable) acquire(owner string, paths []string) error {
	sorted, err := common.SortedCanonical(paths)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range sorted {
		for held, holder := range l.owners {
			if holder == owner {
				continue
			}
			if common.IsWithin(held, p) || common.IsWithin(p, held) {
				return fmt.Errorf("path %s locked by transaction %s: %w",
					p, holder, common.ErrLockConflict)
			}
		}
	}
	for _, p := range sorted {
		l.owners[p] = owner
	}
	return nil
}

// release drops every lock held by owner.
func (l *lockTable) release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, holder := range l.owners {
		if holder == owner {
			delete(l.owners, p)
		}
	}
}
