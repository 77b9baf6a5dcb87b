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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexfs/internal/common"
)

// memCursors is an in-memory CursorStore for tests.
type memCursors struct {
	mu sync.Mutex
	m  map[string]Cursor
}

func newMemCursors() *memCursors { return &memCursors{m: map[string]Cursor{}} }

func (s *memCursors) LoadCursor(volume string) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[volume]
	return c, ok, nil
}

func (s *memCursors) SaveCursor(volume string, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[volume] = c
	return nil
}

func writeJournal(t *testing.T, id uint64, events ...ChangeEvent) Volume {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.img")
	w, err := CreateJournal(path, id)
	require.NoError(t, err)
	for _, ev := range events {
		_, err := w.Append(ev)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return Volume{Name: "test", JournalPath: path}
}

func collect(t *testing.T, vol Volume, cursors CursorStore, n int) ([]ChangeEvent, error) {
	t.Helper()
	m := NewMonitor(vol, DeviceOpener{}, cursors)
	m.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan ChangeEvent, m.ChannelCap)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, out) }()

	var got []ChangeEvent
	for len(got) < n {
		select {
		case ev := <-out:
			got = append(got, ev)
			m.Ack(ev.Seq)
		case err := <-done:
			return got, err
		}
	}
	cancel()
	<-done
	return got, nil
}

func TestMonitorStream(t *testing.T) {
	t.Parallel()

	vol := writeJournal(t, 7,
		ChangeEvent{Reason: ReasonCreate, ID: 100, ParentID: RootID, Name: "new.txt"},
		ChangeEvent{Reason: ReasonExtend, ID: 100, ParentID: RootID, Name: "new.txt", Size: 2048},
		ChangeEvent{Reason: ReasonDelete, ID: 100, ParentID: RootID, Name: "new.txt"},
	)

	cursors := newMemCursors()
	got, err := collect(t, vol, cursors, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	assert.Equal(t, ReasonCreate, got[0].Reason)
	assert.Equal(t, uint64(2048), got[1].Size)

	// Cursor persisted on shutdown.
	c, ok, err := cursors.LoadCursor("test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), c.JournalID)
	assert.Equal(t, uint64(3), c.Seq)
}

func TestMonitorResume_SkipsApplied(t *testing.T) {
	t.Parallel()

	vol := writeJournal(t, 7,
		ChangeEvent{Reason: ReasonCreate, ID: 1, Name: "a"},
		ChangeEvent{Reason: ReasonCreate, ID: 2, Name: "b"},
		ChangeEvent{Reason: ReasonCreate, ID: 3, Name: "c"},
	)

	cursors := newMemCursors()
	require.NoError(t, cursors.SaveCursor("test", Cursor{JournalID: 7, Seq: 2}))

	got, err := collect(t, vol, cursors, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(3), got[0].ID)
}

func TestMonitorWrapDetection(t *testing.T) {
	t.Parallel()

	vol := writeJournal(t, 99, ChangeEvent{Reason: ReasonCreate, ID: 1, Name: "a"})

	// Cursor from a previous journal incarnation.
	cursors := newMemCursors()
	require.NoError(t, cursors.SaveCursor("test", Cursor{JournalID: 7, Seq: 10}))

	_, err := collect(t, vol, cursors, 1)
	assert.ErrorIs(t, err, common.ErrNeedsFullRescan)

	// Cursor moved to the new journal identity, past the records the
	// rescan will cover.
	c, _, err := cursors.LoadCursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), c.JournalID)
	assert.Equal(t, uint64(1), c.Seq)
}

func TestMonitorGapDetection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.img")
	w, err := CreateJournal(path, 5)
	require.NoError(t, err)
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 1, Name: "a"})
	require.NoError(t, err)
	w.next = 10 // simulate lost records
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 2, Name: "b"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	vol := Volume{Name: "test", JournalPath: path}
	cursors := newMemCursors()
	got, err := collect(t, vol, cursors, 2)
	assert.ErrorIs(t, err, common.ErrNeedsFullRescan)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Seq)

	// Cursor advanced past the gap so the next Run does not replay it.
	c, _, err := cursors.LoadCursor("test")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.JournalID)
	assert.Equal(t, uint64(10), c.Seq)
}

func TestMonitorResumesAfterForcedRescan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.img")
	w, err := CreateJournal(path, 5)
	require.NoError(t, err)
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 1, Name: "a"})
	require.NoError(t, err)
	w.next = 10 // simulate lost records
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 2, Name: "b"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	vol := Volume{Name: "test", JournalPath: path}
	cursors := newMemCursors()
	_, err = collect(t, vol, cursors, 2)
	require.ErrorIs(t, err, common.ErrNeedsFullRescan)

	// After the caller's full rescan, new appends stream from past the
	// gap instead of forcing another rescan.
	w, err = OpenJournal(path)
	require.NoError(t, err)
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 3, Name: "c"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := collect(t, vol, cursors, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(11), got[0].Seq)
	assert.Equal(t, "c", got[0].Name)
}

func TestMonitorPersistsOnlyAckedCursor(t *testing.T) {
	t.Parallel()

	vol := writeJournal(t, 3,
		ChangeEvent{Reason: ReasonCreate, ID: 1, Name: "a"},
		ChangeEvent{Reason: ReasonCreate, ID: 2, Name: "b"},
		ChangeEvent{Reason: ReasonCreate, ID: 3, Name: "c"},
	)

	cursors := newMemCursors()
	m := NewMonitor(vol, DeviceOpener{}, cursors)
	m.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan ChangeEvent, m.ChannelCap)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, out) }()

	// Receive everything but acknowledge only the first two: the consumer
	// never persisted the third, so the cursor must not cover it.
	for want := uint64(1); want <= 3; want++ {
		select {
		case ev := <-out:
			require.Equal(t, want, ev.Seq)
			if want <= 2 {
				m.Ack(ev.Seq)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d never delivered", want)
		}
	}
	cancel()
	<-done

	c, ok, err := cursors.LoadCursor("test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), c.Seq)
}

func TestJournalReopenResumesSeq(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.img")
	w, err := CreateJournal(path, 7)
	require.NoError(t, err)
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 1, Name: "a"})
	require.NoError(t, err)
	_, err = w.Append(ChangeEvent{Reason: ReasonCreate, ID: 2, Name: "b"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = OpenJournal(path)
	require.NoError(t, err)
	seq, err := w.Append(ChangeEvent{Reason: ReasonCreate, ID: 3, Name: "c"})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(3), seq)

	got, err := collect(t, Volume{Name: "test", JournalPath: path}, newMemCursors(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, "c", got[2].Name)
}

func TestEventRoundTrip(t *testing.T) {
	t.Parallel()

	in := &ChangeEvent{
		Seq:       12,
		Reason:    ReasonRenameNew,
		ID:        77,
		ParentID:  5,
		Name:      "renamed.txt",
		Size:      4096,
		Flags:     FlagHidden,
		Timestamp: time.Unix(1700000000, 42),
	}
	out, err := decodeEvent(encodeEvent(in))
	require.NoError(t, err)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Reason, out.Reason)
	assert.Equal(t, in.Name, out.Name)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))

	bad := encodeEvent(in)
	bad[15] ^= 0xFF
	_, err = decodeEvent(bad)
	assert.ErrorIs(t, err, common.ErrCorruptRecord)
}
