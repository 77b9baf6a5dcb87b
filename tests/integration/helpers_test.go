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

// Package integration exercises indexfs end to end: raw table scan,
// journal streaming, IPC, search and transactions composed together the
// way the CLI wires them.
//
// Each test gets an isolated config directory via INDEXFS_CONFIG_DIR,
// so tests never touch a real ~/.indexfs. Isolation through the
// environment means these tests cannot run in parallel with each other.
package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"indexfs/internal/config"
	"indexfs/internal/service"
	"indexfs/internal/store"
	"indexfs/internal/volume"
)

// testEnv is one isolated indexfs instance.
type testEnv struct {
	t       *testing.T
	dir     string
	Service *service.Service
	Store   *store.Store
}

// newEnv builds a service over an isolated config dir and the given
// volumes.
func newEnv(t *testing.T, vols ...config.VolumeConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfigDir, dir)
	require.NoError(t, config.EnsureConfigDir())

	settings, err := config.LoadSettings()
	require.NoError(t, err)
	settings.Volumes = vols
	settings.PollInterval = 5 * time.Millisecond
	settings.Excludes = nil

	st, _, err := store.Open(config.StorePath())
	require.NoError(t, err)

	svc, err := service.New(settings, st, volume.DeviceOpener{})
	require.NoError(t, err)

	env := &testEnv{t: t, dir: dir, Service: svc, Store: st}
	t.Cleanup(func() {
		svc.Close()
		st.Close()
	})
	return env
}

// reopen simulates a process restart: the service is rebuilt over the
// same store.
func (e *testEnv) reopen(vols ...config.VolumeConfig) {
	e.t.Helper()
	e.Service.Close()

	settings, err := config.LoadSettings()
	require.NoError(e.t, err)
	settings.Volumes = vols
	settings.PollInterval = 5 * time.Millisecond

	svc, err := service.New(settings, e.Store, volume.DeviceOpener{})
	require.NoError(e.t, err)
	e.Service = svc
	e.t.Cleanup(svc.Close)
}

// writeTableImage writes a raw record table containing the entries.
func writeTableImage(t *testing.T, path string, entries ...*volume.RawEntry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range entries {
		slot, err := volume.EncodeRecord(e)
		require.NoError(t, err)
		_, err = f.Write(slot)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

// sampleVolume creates a table volume with a small directory tree:
// /docs/report.txt, /docs/old.log and /photo.jpg.
func sampleVolume(t *testing.T, name string) config.VolumeConfig {
	t.Helper()
	now := time.Now()
	table := filepath.Join(t.TempDir(), "table.img")
	writeTableImage(t, table,
		&volume.RawEntry{ID: 10, ParentID: volume.RootID, Name: "docs", Flags: volume.FlagDirectory, Modified: now},
		&volume.RawEntry{ID: 11, ParentID: 10, Name: "report.txt", Size: 4096, Modified: now},
		&volume.RawEntry{ID: 12, ParentID: 10, Name: "old.log", Size: 128, Modified: now.Add(-48 * time.Hour)},
		&volume.RawEntry{ID: 13, ParentID: volume.RootID, Name: "photo.jpg", Size: 2 << 20, Modified: now},
	)
	return config.VolumeConfig{Name: name, TablePath: table}
}

// journaledVolume is sampleVolume plus an empty change journal the test
// can append to.
func journaledVolume(t *testing.T, name string, journalID uint64) (config.VolumeConfig, string) {
	t.Helper()
	vc := sampleVolume(t, name)
	journal := filepath.Join(filepath.Dir(vc.TablePath), "journal.img")
	w, err := volume.CreateJournal(journal, journalID)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	vc.JournalPath = journal
	return vc, journal
}

// appendEvents appends change events to an existing journal.
func appendEvents(t *testing.T, journal string, events ...volume.ChangeEvent) {
	t.Helper()
	w, err := volume.OpenJournal(journal)
	require.NoError(t, err)
	for _, ev := range events {
		_, err := w.Append(ev)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

// stagingFiles lists the staged-delete directory.
func stagingFiles(t *testing.T) []string {
	t.Helper()
	ents, err := os.ReadDir(config.StagingDir())
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}
