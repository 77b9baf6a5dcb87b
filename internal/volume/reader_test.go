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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexfs/internal/common"
)

// writeTable writes a table image containing the given slots.
func writeTable(t *testing.T, slots ...[]byte) Volume {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, s := range slots {
		_, err := f.Write(s)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return Volume{Name: "test", TablePath: path}
}

func encoded(t *testing.T, e *RawEntry) []byte {
	t.Helper()
	slot, err := EncodeRecord(e)
	require.NoError(t, err)
	return slot
}

func TestReaderScan(t *testing.T) {
	t.Parallel()

	now := time.Now()
	dirSlot := encoded(t, &RawEntry{ID: 10, ParentID: RootID, Name: "docs", Flags: FlagDirectory, Modified: now})
	fileSlot := encoded(t, &RawEntry{ID: 11, ParentID: 10, Name: "a.txt", Size: 100, Modified: now})

	corrupt := make([]byte, SlotSize)
	copy(corrupt, fileSlot)
	corrupt[30] ^= 0xFF

	deleted := encoded(t, &RawEntry{ID: 12, ParentID: 10, Name: "gone", Flags: FlagDeleted, Modified: now})
	free := make([]byte, SlotSize)

	vol := writeTable(t, dirSlot, free, corrupt, fileSlot, deleted)

	r := NewReader(DeviceOpener{})
	entries, stats, errs := r.Scan(context.Background(), vol)

	var got []RawEntry
	for e := range entries {
		got = append(got, e)
	}
	require.NoError(t, <-errs)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].ID)
	assert.Equal(t, uint64(11), got[1].ID)

	assert.Equal(t, uint64(5), stats.Slots)
	assert.Equal(t, uint64(2), stats.Entries)
	assert.Equal(t, uint64(1), stats.Corrupt)
	assert.Equal(t, uint64(2), stats.FreeSlots)
	assert.Equal(t, uint64(1), stats.Files)
	assert.Equal(t, uint64(1), stats.Dirs)
	assert.Equal(t, uint64(100), stats.TotalBytes)
}

func TestReaderScan_MissingVolume(t *testing.T) {
	t.Parallel()

	r := NewReader(DeviceOpener{})
	entries, _, errs := r.Scan(context.Background(), Volume{Name: "x", TablePath: "/nonexistent/table"})
	for range entries {
	}
	assert.ErrorIs(t, <-errs, common.ErrVolumeAccess)
}

func TestReaderScan_Cancellation(t *testing.T) {
	t.Parallel()

	slots := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		slots = append(slots, encoded(t, &RawEntry{ID: uint64(100 + i), ParentID: RootID, Name: "f"}))
	}
	vol := writeTable(t, slots...)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReader(DeviceOpener{})
	r.ChannelCap = 1
	entries, _, errs := r.Scan(ctx, vol)

	<-entries
	cancel()
	for range entries {
	}
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestDeviceOpener_RawDeviceNeedsRoot(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}

	_, err := DeviceOpener{}.OpenTable(Volume{Name: "c", TablePath: "/dev/indexfs-test"})
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
}
