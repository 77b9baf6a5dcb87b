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

package volume

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher synthesizes ChangeEvents for volumes that have no change journal,
// using fsnotify on a directory tree. Entry ids are derived from the path
// hash, so the same path always maps to the same id. Sequence numbers are
// assigned by the watcher itself and obey the same strict-ascending
// contract the journal monitor provides.
type Watcher struct {
	root string
	vol  string
	seq  uint64
}

// NewWatcher creates a fallback watcher rooted at dir for the named volume.
func NewWatcher(volName, dir string) *Watcher {
	return &Watcher{root: filepath.Clean(dir), vol: volName}
}

// EntryID maps a path under root to its entry id. The root itself maps to
// RootID so the synthesized tree hangs off the index root.
func EntryID(root, path string) uint64 {
	if filepath.Clean(path) == filepath.Clean(root) {
		return RootID
	}
	return PathID(filepath.Clean(path))
}

// PathID derives a stable entry id from a path. Watcher volumes have no
// filesystem-assigned record ids, so the path hash stands in for one.
func PathID(path string) uint64 {
	id := xxhash.Sum64String(path)
	if id <= RootID {
		id += RootID + 1
	}
	return id
}

// Run watches the tree and emits synthesized events until ctx is cancelled.
// New directories are added to the watch set as they appear.
func (w *Watcher) Run(ctx context.Context, out chan<- ChangeEvent) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addRecursive(fw, w.root); err != nil {
		return err
	}
	log.WithFields(log.Fields{"volume": w.vol, "root": w.root}).Info("fallback watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fe, ok := <-fw.Events:
			if !ok {
				return nil
			}
			ev, add := w.translate(fe)
			if ev == nil {
				continue
			}
			select {
			case out <- *ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			if add != "" {
				if err := addRecursive(fw, add); err != nil {
					log.WithField("volume", w.vol).Debugf("watch add failed for %s: %v", add, err)
				}
			}
		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WithField("volume", w.vol).Warnf("watcher error: %v", werr)
		}
	}
}

// translate maps an fsnotify event to a ChangeEvent. Returns a directory
// path to add to the watch set when a new directory appeared.
func (w *Watcher) translate(fe fsnotify.Event) (*ChangeEvent, string) {
	var reason uint32
	addDir := ""
	switch {
	case fe.Op.Has(fsnotify.Create):
		reason = ReasonCreate
		if info, err := os.Stat(fe.Name); err == nil && info.IsDir() {
			addDir = fe.Name
		}
	case fe.Op.Has(fsnotify.Remove):
		reason = ReasonDelete
	case fe.Op.Has(fsnotify.Rename):
		// fsnotify reports the old name only; the new name arrives as a
		// separate Create. Treat the pair as rename-old + create.
		reason = ReasonRenameOld
	case fe.Op.Has(fsnotify.Write):
		reason = ReasonOverwrite
	default:
		return nil, ""
	}

	w.seq++
	ev := &ChangeEvent{
		Seq:       w.seq,
		Reason:    reason,
		ID:        EntryID(w.root, fe.Name),
		ParentID:  EntryID(w.root, filepath.Dir(fe.Name)),
		Name:      filepath.Base(fe.Name),
		Timestamp: time.Now(),
	}
	if info, err := os.Stat(fe.Name); err == nil {
		ev.Size = uint64(info.Size())
		if info.IsDir() {
			ev.Flags |= FlagDirectory
		}
	}
	return ev, addDir
}

func addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return nil
		}
		return nil
	})
}
