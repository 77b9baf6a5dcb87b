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

package index

import (
	"sort"
	"strings"

	"indexfs/internal/common"
)

// Snapshot is an immutable point-in-time view of one volume's index. A
// query runs entirely against the snapshot captured at its start; writers
// never touch a published snapshot.
type Snapshot struct {
	volume string
	rootID uint64

	files    map[uint64]*IndexedFile
	children map[uint64][]uint64
	tokens   map[string][]uint64 // token → ids, ascending
	bySize   []uint64            // live ids sorted by (size, id)
	byMtime  []uint64            // live ids sorted by (mtime, id)
	bloom    *BloomFilter

	// partial marks a snapshot published while the initial table scan is
	// still running; search results from it are best-effort.
	partial bool

	byID []uint64

	paths *Resolver
}

// Volume returns the volume name this snapshot indexes.
func (s *Snapshot) Volume() string { return s.volume }

// Partial reports whether the index was still building when this snapshot
// was published.
func (s *Snapshot) Partial() bool { return s.partial }

// Len returns the number of live (non-tombstoned) entries.
func (s *Snapshot) Len() int {
	n := 0
	for _, f := range s.files {
		if !f.Tombstone {
			n++
		}
	}
	return n
}

// Get returns the current entry for id, or nil if unknown or tombstoned.
func (s *Snapshot) Get(id uint64) *IndexedFile {
	f := s.files[id]
	if f == nil || f.Tombstone {
		return nil
	}
	return f
}

// MayContainToken consults the bloom pre-filter. False means no indexed
// name contains the token.
func (s *Snapshot) MayContainToken(token string) bool {
	return s.bloom.MayContain(strings.ToLower(token))
}

// IDsForToken returns the posting list for a token (live ids, ascending).
func (s *Snapshot) IDsForToken(token string) []uint64 {
	return s.tokens[strings.ToLower(token)]
}

// BySize returns live ids ordered by ascending size.
func (s *Snapshot) BySize() []uint64 { return s.bySize }

// ByMtime returns live ids ordered by ascending modification time.
func (s *Snapshot) ByMtime() []uint64 { return s.byMtime }

// IDs returns all live ids in ascending id order.
func (s *Snapshot) IDs() []uint64 { return s.byID }

// Children returns the live child ids of a directory.
func (s *Snapshot) Children(id uint64) []uint64 { return s.children[id] }

// ResolvePath resolves id to its full path by walking the parent chain to
// the volume root. Results are cached; the cache is invalidated lazily
// when directories move.
func (s *Snapshot) ResolvePath(id uint64) (string, error) {
	return s.paths.Resolve(s, id)
}

// LookupPath resolves a path back to an id by walking name components down
// from the root. Returns ErrNotFound for unknown or tombstoned targets.
func (s *Snapshot) LookupPath(path string) (uint64, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := s.rootID
	for _, part := range parts {
		if part == "" {
			continue
		}
		found := false
		for _, cid := range s.children[cur] {
			if f := s.Get(cid); f != nil && f.Name == part {
				cur = cid
				found = true
				break
			}
		}
		if !found {
			return 0, common.ErrNotFound
		}
	}
	return cur, nil
}

// EstimateTotal estimates how many entries match a token without scanning:
// posting-list length, used for the search total estimate.
func (s *Snapshot) EstimateTotal(token string) int {
	return len(s.tokens[strings.ToLower(token)])
}

// sortIDs returns ids sorted by the given key with id as tie-break.
func sortIDs(files map[uint64]*IndexedFile, ids []uint64, key func(*IndexedFile) uint64) []uint64 {
	sort.Slice(ids, func(i, j int) bool {
		a, b := files[ids[i]], files[ids[j]]
		ka, kb := key(a), key(b)
		if ka != kb {
			return ka < kb
		}
		return ids[i] < ids[j]
	})
	return ids
}
