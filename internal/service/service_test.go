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

package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexfs/internal/common"
	"indexfs/internal/config"
	"indexfs/internal/search"
	"indexfs/internal/store"
	"indexfs/internal/txn"
	"indexfs/internal/volume"
)

// writeTable writes a raw table image containing the given entries.
func writeTable(t *testing.T, dir string, entries ...*volume.RawEntry) string {
	t.Helper()
	path := filepath.Join(dir, "table.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range entries {
		slot, err := volume.EncodeRecord(e)
		require.NoError(t, err)
		_, err = f.Write(slot)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return path
}

func testSettings(t *testing.T, vols ...config.VolumeConfig) *config.Settings {
	t.Helper()
	s := &config.Settings{
		Volumes:      vols,
		PollInterval: 5 * time.Millisecond,
		Txn: txn.Config{
			WALDir:     filepath.Join(t.TempDir(), "wal"),
			StagingDir: filepath.Join(t.TempDir(), "staging"),
		},
	}
	s.ApplyDefaults()
	return s
}

func newTestService(t *testing.T, vols ...config.VolumeConfig) (*Service, *store.Store) {
	t.Helper()
	st, _, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc, err := New(testSettings(t, vols...), st, volume.DeviceOpener{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, st
}

func TestServiceScanAndSearch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	table := writeTable(t, t.TempDir(),
		&volume.RawEntry{ID: 10, ParentID: volume.RootID, Name: "docs", Flags: volume.FlagDirectory, Modified: now},
		&volume.RawEntry{ID: 11, ParentID: 10, Name: "report.txt", Size: 1024, Modified: now},
		&volume.RawEntry{ID: 12, ParentID: 10, Name: "photo.jpg", Size: 2048, Modified: now},
	)
	svc, _ := newTestService(t, config.VolumeConfig{Name: "c", TablePath: table})

	stats, err := svc.Scan(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Entries)

	res, err := svc.Search(context.Background(), "c", search.Query{Exts: []string{"txt"}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "/docs/report.txt", res.Matches[0].Path)
	assert.False(t, res.Partial)
}

func TestServiceSearchUnknownVolume(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	_, err := svc.Search(context.Background(), "nope", search.Query{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestServiceWarmStart(t *testing.T) {
	t.Parallel()

	now := time.Now()
	table := writeTable(t, t.TempDir(),
		&volume.RawEntry{ID: 10, ParentID: volume.RootID, Name: "docs", Flags: volume.FlagDirectory, Modified: now},
		&volume.RawEntry{ID: 11, ParentID: 10, Name: "report.txt", Size: 1024, Modified: now},
	)
	vc := config.VolumeConfig{Name: "c", TablePath: table}

	st, _, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer st.Close()

	svc, err := New(testSettings(t, vc), st, volume.DeviceOpener{})
	require.NoError(t, err)
	_, err = svc.Scan(context.Background(), "c")
	require.NoError(t, err)
	svc.Close()

	// A new service in front of the same store serves queries without a
	// fresh scan.
	svc2, err := New(testSettings(t, vc), st, volume.DeviceOpener{})
	require.NoError(t, err)
	defer svc2.Close()

	res, err := svc2.Search(context.Background(), "c", search.Query{Name: "report.txt"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "/docs/report.txt", res.Matches[0].Path)
}

func TestServiceTreeScan(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("hi"), 0o644))

	svc, _ := newTestService(t, config.VolumeConfig{Name: "home", WatchRoot: root})

	stats, err := svc.Scan(context.Background(), "home")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Files)

	res, err := svc.Search(context.Background(), "home", search.Query{Exts: []string{"go"}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "/src/main.go", res.Matches[0].Path)
}

func TestServiceTreeScanExcludes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "pkg", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.js"), []byte("x"), 0o644))

	st, _, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer st.Close()

	settings := testSettings(t, config.VolumeConfig{Name: "home", WatchRoot: root})
	settings.Excludes = []string{"node_modules/"}

	svc, err := New(settings, st, volume.DeviceOpener{})
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Scan(context.Background(), "home")
	require.NoError(t, err)

	res, err := svc.Search(context.Background(), "home", search.Query{Exts: []string{"js"}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "/app.js", res.Matches[0].Path)
}

func TestServiceProgressSubscription(t *testing.T) {
	t.Parallel()

	now := time.Now()
	table := writeTable(t, t.TempDir(),
		&volume.RawEntry{ID: 11, ParentID: volume.RootID, Name: "a.txt", Modified: now},
	)
	svc, _ := newTestService(t, config.VolumeConfig{Name: "c", TablePath: table})

	updates, cancel := svc.SubscribeProgress()
	defer cancel()

	_, err := svc.Scan(context.Background(), "c")
	require.NoError(t, err)
	require.NoError(t, svc.Compact(context.Background(), "c"))

	// Compact always publishes; scan ticks depend on table size.
	select {
	case u := <-updates:
		assert.Equal(t, "c", u.Volume)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress update received")
	}
}

func TestServiceJournalStreaming(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	table := writeTable(t, dir,
		&volume.RawEntry{ID: 10, ParentID: volume.RootID, Name: "docs", Flags: volume.FlagDirectory, Modified: time.Now()},
	)
	journal := filepath.Join(dir, "journal.img")
	w, err := volume.CreateJournal(journal, 42)
	require.NoError(t, err)
	_, err = w.Append(volume.ChangeEvent{Reason: volume.ReasonCreate, ID: 11, ParentID: 10, Name: "live.txt", Size: 64})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	svc, _ := newTestService(t, config.VolumeConfig{Name: "c", TablePath: table, JournalPath: journal})
	_, err = svc.Scan(context.Background(), "c")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Eventually(t, func() bool {
		res, err := svc.Search(context.Background(), "c", search.Query{Name: "live.txt"})
		return err == nil && len(res.Matches) == 1
	}, 5*time.Second, 10*time.Millisecond)

	res, err := svc.Search(context.Background(), "c", search.Query{Name: "live.txt"})
	require.NoError(t, err)
	assert.Equal(t, "/docs/live.txt", res.Matches[0].Path)

	cancel()
	<-done
}

func TestServiceJournalRecreationResumesStreaming(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	table := writeTable(t, dir,
		&volume.RawEntry{ID: 10, ParentID: volume.RootID, Name: "docs", Flags: volume.FlagDirectory, Modified: time.Now()},
	)
	journal := filepath.Join(dir, "journal.img")
	w, err := volume.CreateJournal(journal, 7)
	require.NoError(t, err)
	_, err = w.Append(volume.ChangeEvent{Reason: volume.ReasonCreate, ID: 11, ParentID: 10, Name: "old.txt", Size: 16})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	svc, _ := newTestService(t, config.VolumeConfig{Name: "w", TablePath: table, JournalPath: journal})
	_, err = svc.Scan(context.Background(), "w")
	require.NoError(t, err)

	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan error, 1)
	go func() { done1 <- svc.Run(ctx1) }()
	assert.Eventually(t, func() bool {
		res, err := svc.Search(context.Background(), "w", search.Query{Name: "old.txt"})
		return err == nil && len(res.Matches) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel1()
	<-done1

	// Recreate the journal under a new id with sequences restarting at 1.
	w, err = volume.CreateJournal(journal, 8)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done2 := make(chan error, 1)
	go func() { done2 <- svc.Run(ctx2) }()

	// The forced rescan must realign the sequence watermark with the new
	// journal before events flow again.
	assert.Eventually(t, func() bool {
		st, err := svc.Stats("w")
		return err == nil && st.LastSeq == 0
	}, 5*time.Second, 10*time.Millisecond)

	w, err = volume.OpenJournal(journal)
	require.NoError(t, err)
	_, err = w.Append(volume.ChangeEvent{Reason: volume.ReasonCreate, ID: 12, ParentID: 10, Name: "after-wrap.txt", Size: 8})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Eventually(t, func() bool {
		res, err := svc.Search(context.Background(), "w", search.Query{Name: "after-wrap.txt"})
		return err == nil && len(res.Matches) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel2()
	<-done2
}

func TestServiceSubscribeChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	table := writeTable(t, dir,
		&volume.RawEntry{ID: 10, ParentID: volume.RootID, Name: "docs", Flags: volume.FlagDirectory, Modified: time.Now()},
	)
	journal := filepath.Join(dir, "journal.img")
	w, err := volume.CreateJournal(journal, 9)
	require.NoError(t, err)
	_, err = w.Append(volume.ChangeEvent{Reason: volume.ReasonCreate, ID: 11, ParentID: 10, Name: "note.txt", Size: 32})
	require.NoError(t, err)
	_, err = w.Append(volume.ChangeEvent{Reason: volume.ReasonDelete, ID: 10, ParentID: volume.RootID, Name: "docs"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	svc, _ := newTestService(t, config.VolumeConfig{Name: "ch", TablePath: table, JournalPath: journal})
	_, err = svc.Scan(context.Background(), "ch")
	require.NoError(t, err)

	notes, cancelSub := svc.SubscribeChanges("ch")
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// The two events may land in one flush or two; accumulate notes until
	// both the create and the delete have been reported.
	var touched, removed []uint64
	deadline := time.After(5 * time.Second)
	for len(touched) == 0 || len(removed) == 0 {
		select {
		case note := <-notes:
			assert.Equal(t, "ch", note.Volume)
			assert.False(t, note.Timestamp.IsZero())
			touched = append(touched, note.Touched...)
			removed = append(removed, note.Removed...)
		case <-deadline:
			t.Fatalf("change notes incomplete: touched=%v removed=%v", touched, removed)
		}
	}
	assert.Contains(t, touched, uint64(11))
	assert.Contains(t, removed, uint64(10))

	cancel()
	<-done
}

func TestServiceWatcherStreaming(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	svc, _ := newTestService(t, config.VolumeConfig{Name: "home", WatchRoot: root})
	_, err := svc.Scan(context.Background(), "home")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Give the watcher a beat to register before creating the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "fresh.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		res, err := svc.Search(context.Background(), "home", search.Query{Name: "fresh.txt"})
		return err == nil && len(res.Matches) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestServiceScanAll(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tableC := writeTable(t, t.TempDir(), &volume.RawEntry{ID: 11, ParentID: volume.RootID, Name: "a.txt", Modified: now})
	tableD := writeTable(t, t.TempDir(), &volume.RawEntry{ID: 21, ParentID: volume.RootID, Name: "b.txt", Modified: now})

	svc, _ := newTestService(t,
		config.VolumeConfig{Name: "c", TablePath: tableC},
		config.VolumeConfig{Name: "d", TablePath: tableD},
	)

	require.NoError(t, svc.ScanAll(context.Background()))
	for _, vol := range []string{"c", "d"} {
		res, err := svc.Search(context.Background(), vol, search.Query{Exts: []string{"txt"}})
		require.NoError(t, err)
		assert.Len(t, res.Matches, 1, vol)
	}
	assert.GreaterOrEqual(t, svc.PoolStats().Completed, uint64(2))
}

func TestServiceTransactionPassthrough(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	svc, _ := newTestService(t)

	ctx := context.Background()
	tx, err := svc.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.AddOperation(tx, txn.Operation{Kind: txn.OpMove, Source: src, Dest: dst}))
	require.NoError(t, svc.Commit(ctx, tx))

	got, err := svc.GetTransaction(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusApplied, got.Status)

	recent, err := svc.ListRecentTransactions(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, tx.ID, recent[0].ID)

	_, err = os.Stat(dst)
	assert.NoError(t, err)
}
