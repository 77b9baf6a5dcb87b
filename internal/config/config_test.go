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

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)

	assert.Equal(t, dir, ConfigDir())
	assert.Equal(t, filepath.Join(dir, "settings.yaml"), SettingsPath())
	assert.Equal(t, filepath.Join(dir, "index.db"), StorePath())
}

func TestLoadSettingsDefaultsWhenMissing(t *testing.T) {
	t.Setenv(EnvConfigDir, t.TempDir())

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, 100*time.Millisecond, s.PollInterval)
	assert.Equal(t, 1<<20, s.BloomExpected)
	assert.Equal(t, WALDir(), s.Txn.WALDir)
	assert.Equal(t, 4, s.Txn.MaxConcurrent)
}

func TestEnsureConfigDirSeedsTemplate(t *testing.T) {
	t.Setenv(EnvConfigDir, t.TempDir())

	require.NoError(t, EnsureConfigDir())

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "info", s.LogLevel)
	assert.Contains(t, s.Excludes, "node_modules/")
	assert.Empty(t, s.Volumes)

	// A second call leaves an existing file alone.
	s.LogLevel = "debug"
	require.NoError(t, SaveSettings(s))
	require.NoError(t, EnsureConfigDir())
	s2, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "debug", s2.LogLevel)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Setenv(EnvConfigDir, t.TempDir())

	in := &Settings{
		LogLevel: "debug",
		Volumes: []VolumeConfig{
			{Name: "vol0", TablePath: "/dev/vol0-table", JournalPath: "/dev/vol0-journal"},
		},
		Excludes: []string{"*.tmp", "node_modules/"},
	}
	require.NoError(t, SaveSettings(in))

	out, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "debug", out.LogLevel)
	require.Len(t, out.Volumes, 1)
	assert.Equal(t, "vol0", out.Volumes[0].Name)
	assert.Equal(t, []string{"*.tmp", "node_modules/"}, out.Excludes)
	// Defaults still fill the gaps.
	assert.Equal(t, 4, out.Workers)
}

func TestInstanceLockIsExclusive(t *testing.T) {
	t.Setenv(EnvConfigDir, t.TempDir())

	lock, err := AcquireInstanceLock()
	require.NoError(t, err)
	defer lock.Unlock()

	_, err = AcquireInstanceLock()
	assert.Error(t, err)
}

func TestExcludeFilter(t *testing.T) {
	t.Parallel()

	keep := BuildExcludeFilter([]string{"*.tmp", "node_modules/", "build"})

	assert.True(t, keep("src/main.go", false))
	assert.False(t, keep("cache/session.tmp", false))
	assert.False(t, keep("web/node_modules", true))
	assert.False(t, keep("build", true))
	assert.True(t, keep("builds", true))

	all := BuildExcludeFilter(nil)
	assert.True(t, all("anything", false))
}
