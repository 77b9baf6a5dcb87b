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
	"errors"
	"fmt"
	"os"
	"strings"

	"indexfs/internal/common"
)

// errNoJournal marks a volume configured without a change journal. The
// composing layer falls back to the fsnotify watcher for those.
var errNoJournal = errors.New("volume has no change journal")

// Volume identifies one indexed volume and the files backing it.
type Volume struct {
	// Name is the caller-facing volume identifier ("C", "data", ...).
	Name string
	// TablePath is the raw file-record table (device node or image file).
	TablePath string
	// JournalPath is the change journal; empty for volumes without one,
	// which fall back to the fsnotify watcher.
	JournalPath string
}

// Opener opens a volume's backing files. Raw device access needs elevation,
// so the opener is the single place the privilege check lives.
type Opener interface {
	OpenTable(v Volume) (*os.File, error)
	OpenJournal(v Volume) (*os.File, error)
}

// DeviceOpener opens volume backing files directly. Paths under /dev are
// raw devices and require root; image files open for any user, which keeps
// tests and dev setups away from the privilege check.
type DeviceOpener struct{}

func (DeviceOpener) OpenTable(v Volume) (*os.File, error) {
	return openBacking(v.Name, v.TablePath)
}

func (DeviceOpener) OpenJournal(v Volume) (*os.File, error) {
	if v.JournalPath == "" {
		return nil, fmt.Errorf("volume %s: %w", v.Name, errNoJournal)
	}
	return openBacking(v.Name, v.JournalPath)
}

// HasJournal reports whether err is the no-journal condition rather than a
// real access failure.
func HasJournal(err error) bool {
	return !errors.Is(err, errNoJournal)
}

func openBacking(name, path string) (*os.File, error) {
	if isRawDevice(path) && os.Geteuid() != 0 {
		return nil, fmt.Errorf("volume %s: raw access to %s: %w",
			name, path, common.ErrPermissionDenied)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("volume %s: %s: %w", name, path, common.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("volume %s: %s: %w (%v)", name, path, common.ErrVolumeAccess, err)
	}
	return f, nil
}

func isRawDevice(path string) bool {
	return strings.HasPrefix(path, "/dev/")
}
