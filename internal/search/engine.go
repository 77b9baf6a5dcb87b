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

// Package search evaluates queries against an index snapshot. Every query
// runs entirely against the snapshot captured at its start, so results are
// internally consistent even while the builder keeps applying changes.
package search

import (
	"context"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"indexfs/internal/index"
)

// SnapshotSource yields the current index snapshot for a volume.
// *index.Builder satisfies it.
type SnapshotSource interface {
	Snapshot() *index.Snapshot
}

// Match is one search hit with its resolved path.
type Match struct {
	File *index.IndexedFile
	Path string
}

// Result is the outcome of one query.
type Result struct {
	Matches []Match
	// Total counts all matches before pagination.
	Total int
	// Partial is set when the index was still building; results are best
	// effort.
	Partial bool
}

// Engine answers queries for one volume's index.
type Engine struct {
	src SnapshotSource
}

func NewEngine(src SnapshotSource) *Engine {
	return &Engine{src: src}
}

const cancelCheckEvery = 4096

// Search evaluates q against the current snapshot. Malformed queries
// return ErrQuerySyntax.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	c, err := compileQuery(q)
	if err != nil {
		return nil, err
	}
	snap := e.src.Snapshot()
	res := &Result{Partial: snap.Partial()}

	// Bloom pre-filter: if any required literal token is definitely
	// absent, nothing can match.
	for _, tok := range c.tokens {
		if !snap.MayContainToken(tok) {
			return res, nil
		}
	}

	scopeID, ok, err := resolveScope(snap, q.Scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return res, nil
	}

	ids, scanned := candidates(snap, c)
	matched := make([]uint64, 0, 64)
	for i, id := range ids {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		f := snap.Get(id)
		if f == nil || !c.match(f) {
			continue
		}
		if scopeID != 0 && !inSubtree(snap, f, scopeID) {
			continue
		}
		matched = append(matched, id)
	}

	sortMatches(snap, matched, q.Sort, q.Desc)
	res.Total = len(matched)

	page := paginate(matched, q.Offset, q.Limit)
	res.Matches = make([]Match, 0, len(page))
	for _, id := range page {
		path, err := snap.ResolvePath(id)
		if err != nil {
			// Orphaned entry; a rescan reconciles it.
			log.WithError(err).WithField("id", id).Debug("skipping unresolvable search hit")
			res.Total--
			continue
		}
		res.Matches = append(res.Matches, Match{File: snap.Get(id), Path: path})
	}

	log.WithFields(log.Fields{
		"volume":  snap.Volume(),
		"scanned": scanned,
		"total":   res.Total,
		"partial": res.Partial,
	}).Debug("search finished")
	return res, nil
}

// resolveScope maps the scope path to a directory id. A scope that does
// not exist yields no results rather than an error.
func resolveScope(snap *index.Snapshot, scope string) (uint64, bool, error) {
	if scope == "" || scope == "/" {
		return 0, true, nil
	}
	id, err := snap.LookupPath(scope)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// candidates picks the cheapest starting set: the smallest inverted-index
// posting list when literal tokens or extensions are available, otherwise
// the sorted index matching the sort key, otherwise all live ids. Returns
// the set and its size for logging.
func candidates(snap *index.Snapshot, c *compiled) ([]uint64, int) {
	var smallest []uint64
	have := false
	consider := func(ids []uint64) {
		if !have || len(ids) < len(smallest) {
			smallest, have = ids, true
		}
	}
	for _, tok := range c.tokens {
		consider(snap.IDsForToken(tok))
	}
	if len(c.exts) > 0 {
		union := make([]uint64, 0)
		for ext := range c.exts {
			union = append(union, snap.IDsForToken(ext)...)
		}
		sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
		consider(dedup(union))
	}
	if have {
		return smallest, len(smallest)
	}

	switch c.q.Sort {
	case SortSize:
		return snap.BySize(), snap.Len()
	case SortModified:
		return snap.ByMtime(), snap.Len()
	default:
		return snap.IDs(), snap.Len()
	}
}

func dedup(sorted []uint64) []uint64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// match applies the per-candidate predicates.
func (c *compiled) match(f *index.IndexedFile) bool {
	q := &c.q
	if q.DirsOnly && !f.IsDir() {
		return false
	}
	if q.FilesOnly && f.IsDir() {
		return false
	}
	if c.exts != nil {
		if _, ok := c.exts[strings.ToLower(f.Ext)]; !ok {
			return false
		}
	}
	if f.Size < q.MinSize {
		return false
	}
	if q.MaxSize > 0 && f.Size > q.MaxSize {
		return false
	}
	if !q.ModifiedAfter.IsZero() && f.Modified.Before(q.ModifiedAfter) {
		return false
	}
	if !q.ModifiedBefore.IsZero() && f.Modified.After(q.ModifiedBefore) {
		return false
	}
	if !q.CreatedAfter.IsZero() && f.Created.Before(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && f.Created.After(q.CreatedBefore) {
		return false
	}
	if c.pattern != nil && !matchesName(c.pattern, f) {
		return false
	}
	return true
}

// matchesName tests the pattern against the file name and any alternate
// stream names.
func matchesName(re *regexp.Regexp, f *index.IndexedFile) bool {
	if re.MatchString(f.Name) {
		return true
	}
	for _, s := range f.AltStreams {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// inSubtree reports whether f sits below the directory scopeID, walking
// the parent chain.
func inSubtree(snap *index.Snapshot, f *index.IndexedFile, scopeID uint64) bool {
	for depth := 0; depth < 4096; depth++ {
		if f.ID == scopeID {
			return true
		}
		if f.ParentID == f.ID {
			return false
		}
		f = snap.Get(f.ParentID)
		if f == nil {
			return false
		}
	}
	return false
}

// sortMatches orders ids by the requested key, ties broken by ascending
// id for determinism. The default key is insertion order (Ord), which
// after a warm start degrades to store load order.
func sortMatches(snap *index.Snapshot, ids []uint64, key SortKey, desc bool) {
	less := func(a, b *index.IndexedFile) bool {
		if a.Ord != b.Ord {
			return a.Ord < b.Ord
		}
		return a.ID < b.ID
	}
	switch key {
	case SortName:
		less = func(a, b *index.IndexedFile) bool {
			an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
			if an != bn {
				return an < bn
			}
			return a.ID < b.ID
		}
	case SortSize:
		less = func(a, b *index.IndexedFile) bool {
			if a.Size != b.Size {
				return a.Size < b.Size
			}
			return a.ID < b.ID
		}
	case SortModified:
		less = func(a, b *index.IndexedFile) bool {
			if !a.Modified.Equal(b.Modified) {
				return a.Modified.Before(b.Modified)
			}
			return a.ID < b.ID
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := snap.Get(ids[i]), snap.Get(ids[j])
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}

func paginate(ids []uint64, offset, limit int) []uint64 {
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}
