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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"indexfs/internal/common"
	"indexfs/internal/volume"
)

// Config tunes one volume's index builder.
type Config struct {
	// BloomExpected sizes the pre-filter for this many distinct tokens.
	BloomExpected int
	// BloomFPRate is the target false-positive rate.
	BloomFPRate float64
	// PathCacheSize bounds the resolved-path LRU.
	PathCacheSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BloomExpected: 1 << 20,
		BloomFPRate:   0.01,
		PathCacheSize: defaultPathCacheSize,
	}
}

// Builder folds raw entries and change events into the index for one
// volume. It is the volume's single writer; all mutation goes through the
// apply lock. Readers obtain immutable snapshots via Snapshot(), swapped
// atomically on publish.
type Builder struct {
	vol    string
	rootID uint64
	cfg    Config

	mu       sync.Mutex
	files    map[uint64]*IndexedFile
	children map[uint64]map[uint64]struct{}
	tokens   map[string]map[uint64]struct{}
	interned map[string]string
	bloom    *BloomFilter
	lastSeq  uint64
	nextOrd  uint64
	scanning bool

	dropped atomic.Uint64
	paths   *Resolver
	snap    atomic.Pointer[Snapshot]
}

// NewBuilder creates an empty index for the named volume.
func NewBuilder(vol string, cfg Config) *Builder {
	b := &Builder{
		vol:      vol,
		rootID:   volume.RootID,
		cfg:      cfg,
		files:    make(map[uint64]*IndexedFile),
		children: make(map[uint64]map[uint64]struct{}),
		tokens:   make(map[string]map[uint64]struct{}),
		interned: make(map[string]string),
		bloom:    NewBloomFilter(cfg.BloomExpected, cfg.BloomFPRate),
		paths:    NewResolver(cfg.PathCacheSize),
	}
	b.publishLocked()
	return b
}

// Volume returns the volume name.
func (b *Builder) Volume() string { return b.vol }

// LastSeq returns the highest applied journal sequence.
func (b *Builder) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Dropped returns the count of entries and events dropped as corrupt or
// incomplete.
func (b *Builder) Dropped() uint64 { return b.dropped.Load() }

// Snapshot returns the current published snapshot. Never nil.
func (b *Builder) Snapshot() *Snapshot { return b.snap.Load() }

// BeginScan marks the index as partially built until FinishScan. Snapshots
// published in between carry the partial flag.
func (b *Builder) BeginScan() {
	b.mu.Lock()
	b.scanning = true
	b.mu.Unlock()
}

// FinishScan clears the partial flag and publishes.
func (b *Builder) FinishScan() {
	b.mu.Lock()
	b.scanning = false
	b.publishLocked()
	b.mu.Unlock()
}

// Restore loads a persisted entry during warm start, before any journal
// events are applied.
func (b *Builder) Restore(f *IndexedFile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOrd++
	g := *f
	g.Ord = b.nextOrd
	g.Name = b.intern(g.Name)
	b.upsertLocked(&g)
}

// SetLastSeq seeds the applied-sequence watermark from a persisted journal
// cursor, so the first live event after a warm start is not mistaken for a
// gap.
func (b *Builder) SetLastSeq(seq uint64) {
	b.mu.Lock()
	b.lastSeq = seq
	b.mu.Unlock()
}

// ApplyEntry folds one raw table entry into the index. Invalid entries are
// dropped and counted, never failing the scan. The caller publishes in
// batches via Publish.
func (b *Builder) ApplyEntry(e volume.RawEntry) {
	if e.ID == 0 || e.IsDeleted() || (e.Name == "" && e.ID != b.rootID) {
		b.dropped.Add(1)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextOrd++
	f := fileFromEntry(&e, b.nextOrd)
	f.Name = b.intern(f.Name)
	b.upsertLocked(f)
}

// ApplyEvent folds one journal event into the index.
//
// Events must arrive in strict ascending sequence order: a gap returns
// ErrSequenceGap and leaves the index untouched, forcing the caller to
// rescan. Re-delivery of an already-applied sequence is a no-op, which
// makes apply idempotent per (id, seq) under at-least-once delivery.
func (b *Builder) ApplyEvent(ev volume.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Seq <= b.lastSeq {
		return nil
	}
	if b.lastSeq != 0 && ev.Seq != b.lastSeq+1 {
		return fmt.Errorf("volume %s: expected seq %d, got %d: %w",
			b.vol, b.lastSeq+1, ev.Seq, common.ErrSequenceGap)
	}
	if ev.ID == 0 {
		b.dropped.Add(1)
		b.lastSeq = ev.Seq
		return nil
	}

	switch {
	case ev.Reason&volume.ReasonDelete != 0:
		b.tombstoneLocked(ev.ID, ev.Seq)
	case ev.Reason&volume.ReasonCreate != 0, ev.Reason&volume.ReasonRenameNew != 0:
		b.upsertFromEventLocked(ev)
	case ev.Reason&volume.ReasonRenameOld != 0:
		// The matching rename-new carries the new name; nothing to do yet.
	case ev.Reason&(volume.ReasonExtend|volume.ReasonOverwrite|volume.ReasonTruncate) != 0:
		b.retouchLocked(ev)
	default:
		// Unhandled reason (security change etc): index state unaffected.
	}

	b.lastSeq = ev.Seq
	return nil
}

// Publish makes the current state visible to readers. Called by the apply
// loop after each batch; cost is proportional to index size, so batching
// matters on large volumes.
func (b *Builder) Publish() {
	b.mu.Lock()
	b.publishLocked()
	b.mu.Unlock()
}

// Compact physically purges tombstoned entries and rebuilds the bloom
// filter from the surviving tokens, then publishes.
func (b *Builder) Compact() {
	b.mu.Lock()
	defer b.mu.Unlock()

	purged := 0
	for id, f := range b.files {
		if !f.Tombstone {
			continue
		}
		b.detachLocked(f)
		delete(b.files, id)
		purged++
	}

	bloom := NewBloomFilter(b.cfg.BloomExpected, b.cfg.BloomFPRate)
	for token := range b.tokens {
		bloom.Add(token)
	}
	b.bloom = bloom
	b.publishLocked()

	log.WithFields(log.Fields{
		"volume": b.vol,
		"purged": purged,
		"live":   len(b.files),
	}).Info("index compaction finished")
}

// --- internals, all called with b.mu held ---

func (b *Builder) intern(name string) string {
	if s, ok := b.interned[name]; ok {
		return s
	}
	b.interned[name] = name
	return name
}

// upsertFromEventLocked creates or updates an entry from a journal event.
// Events carry partial state; fields the event doesn't know keep their
// previous values.
func (b *Builder) upsertFromEventLocked(ev volume.ChangeEvent) {
	if ev.Name == "" {
		b.dropped.Add(1)
		return
	}
	prev := b.files[ev.ID]

	_, ext := common.SplitName(ev.Name)
	if ev.Flags&volume.FlagDirectory != 0 {
		ext = ""
	}
	f := &IndexedFile{
		ID:       ev.ID,
		ParentID: ev.ParentID,
		Name:     b.intern(ev.Name),
		Ext:      ext,
		Size:     ev.Size,
		Flags:    ev.Flags,
		Modified: ev.Timestamp,
		Seq:      ev.Seq,
	}
	if prev != nil {
		f.Ord = prev.Ord
		f.Created = prev.Created
		f.Accessed = prev.Accessed
		f.AltStreams = prev.AltStreams
		if f.Size == 0 {
			f.Size = prev.Size
		}
		if ev.ParentID == 0 {
			f.ParentID = prev.ParentID
		}
	} else {
		b.nextOrd++
		f.Ord = b.nextOrd
		f.Created = ev.Timestamp
	}
	b.upsertLocked(f)
}

// retouchLocked applies a size/mtime change to an existing entry. Unknown
// ids are dropped with a warning counter: the journal saw a write to a
// file the index never learned about, which a rescan will reconcile.
func (b *Builder) retouchLocked(ev volume.ChangeEvent) {
	prev := b.files[ev.ID]
	if prev == nil || prev.Tombstone {
		b.dropped.Add(1)
		return
	}
	f := *prev
	f.Size = ev.Size
	f.Modified = ev.Timestamp
	f.Seq = ev.Seq
	b.files[ev.ID] = &f
}

func (b *Builder) upsertLocked(f *IndexedFile) {
	if prev := b.files[f.ID]; prev != nil {
		b.detachLocked(prev)
		// A rename or reparent moves every descendant's path.
		if prev.Name != f.Name || prev.ParentID != f.ParentID {
			if prev.IsDir() || f.IsDir() {
				b.paths.InvalidateSubtree()
			} else {
				b.paths.Evict(f.ID)
			}
		}
	}
	b.files[f.ID] = f

	kids := b.children[f.ParentID]
	if kids == nil {
		kids = make(map[uint64]struct{})
		b.children[f.ParentID] = kids
	}
	kids[f.ID] = struct{}{}

	for _, token := range fileTokens(f) {
		ids := b.tokens[token]
		if ids == nil {
			ids = make(map[uint64]struct{})
			b.tokens[token] = ids
			b.bloom.Add(token)
		}
		ids[f.ID] = struct{}{}
	}
}

// tombstoneLocked marks an entry deleted. It stays in the arena (excluded
// from search) until compaction purges it.
func (b *Builder) tombstoneLocked(id, seq uint64) {
	prev := b.files[id]
	if prev == nil {
		b.dropped.Add(1)
		return
	}
	if prev.Tombstone {
		return
	}
	f := *prev
	f.Tombstone = true
	f.Seq = seq
	b.files[id] = &f
	if f.IsDir() {
		b.paths.InvalidateSubtree()
	} else {
		b.paths.Evict(id)
	}
}

// detachLocked removes an entry from the children and token structures.
// The bloom filter has no removal; it is rebuilt at compaction.
func (b *Builder) detachLocked(f *IndexedFile) {
	if kids := b.children[f.ParentID]; kids != nil {
		delete(kids, f.ID)
		if len(kids) == 0 {
			delete(b.children, f.ParentID)
		}
	}
	for _, token := range fileTokens(f) {
		if ids := b.tokens[token]; ids != nil {
			delete(ids, f.ID)
			if len(ids) == 0 {
				delete(b.tokens, token)
			}
		}
	}
}

func fileTokens(f *IndexedFile) []string {
	tokens := Tokenize(f.Name)
	for _, s := range f.AltStreams {
		tokens = append(tokens, Tokenize(s)...)
	}
	return tokens
}

// publishLocked builds an immutable snapshot of the current state and
// swaps it in for readers.
func (b *Builder) publishLocked() {
	files := make(map[uint64]*IndexedFile, len(b.files))
	live := make([]uint64, 0, len(b.files))
	for id, f := range b.files {
		files[id] = f
		if !f.Tombstone {
			live = append(live, id)
		}
	}

	children := make(map[uint64][]uint64, len(b.children))
	for pid, kids := range b.children {
		ids := make([]uint64, 0, len(kids))
		for id := range kids {
			if f := b.files[id]; f != nil && !f.Tombstone {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		children[pid] = ids
	}

	tokens := make(map[string][]uint64, len(b.tokens))
	for token, set := range b.tokens {
		ids := make([]uint64, 0, len(set))
		for id := range set {
			if f := b.files[id]; f != nil && !f.Tombstone {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		tokens[token] = ids
	}

	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	bySize := make([]uint64, len(live))
	copy(bySize, live)
	sortIDs(files, bySize, func(f *IndexedFile) uint64 { return f.Size })

	byMtime := make([]uint64, len(live))
	copy(byMtime, live)
	sortIDs(files, byMtime, func(f *IndexedFile) uint64 { return uint64(f.Modified.UnixNano()) })

	b.snap.Store(&Snapshot{
		volume:   b.vol,
		rootID:   b.rootID,
		files:    files,
		children: children,
		tokens:   tokens,
		bySize:   bySize,
		byMtime:  byMtime,
		byID:     live,
		bloom:    b.bloom.Clone(),
		partial:  b.scanning,
		paths:    b.paths,
	})
}
