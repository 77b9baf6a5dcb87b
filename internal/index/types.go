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

// Package index folds raw table entries and journal events into a
// queryable, path-resolvable index with a bloom pre-filter. One Builder
// runs per volume as the single writer; readers work against immutable
// snapshots published by atomic pointer swap.
package index

import (
	"strings"
	"time"
	"unicode"

	"indexfs/internal/common"
	"indexfs/internal/volume"
)

// IndexedFile is the index's view of one file or directory. Instances are
// immutable once stored: updates replace the whole value, so snapshot
// readers can share pointers safely. Exactly one current IndexedFile
// exists per ID.
type IndexedFile struct {
	ID       uint64
	ParentID uint64
	Name     string
	Ext      string // lowercase, no dot; empty for directories
	Size     uint64
	Flags    uint32
	Created  time.Time
	Modified time.Time
	Accessed time.Time

	// Seq is the journal sequence that produced this state; 0 for entries
	// from a table scan.
	Seq uint64
	// Ord is the insertion order, the default stable sort key.
	Ord uint64
	// Tombstone marks a logically deleted entry awaiting compaction.
	Tombstone bool

	AltStreams []string
}

// IsDir reports whether the entry is a directory.
func (f *IndexedFile) IsDir() bool { return f.Flags&volume.FlagDirectory != 0 }

// IsHidden reports whether the entry carries the hidden flag.
func (f *IndexedFile) IsHidden() bool { return f.Flags&volume.FlagHidden != 0 }

// Tokenize splits a file name into lowercased search tokens: runs of
// letters and digits, plus the extension. "Annual_Report-2024.PDF" becomes
// ["annual", "report", "2024", "pdf"].
func Tokenize(name string) []string {
	lower := strings.ToLower(name)
	tokens := make([]string, 0, 4)
	start := -1
	for i, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, lower[start:i])
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, lower[start:])
	}
	return tokens
}

func fileFromEntry(e *volume.RawEntry, ord uint64) *IndexedFile {
	_, ext := common.SplitName(e.Name)
	if e.IsDir() {
		ext = ""
	}
	return &IndexedFile{
		ID:         e.ID,
		ParentID:   e.ParentID,
		Name:       e.Name,
		Ext:        ext,
		Size:       e.Size,
		Flags:      e.Flags,
		Created:    e.Created,
		Modified:   e.Modified,
		Accessed:   e.Accessed,
		Ord:        ord,
		AltStreams: e.AltStreams,
	}
}
