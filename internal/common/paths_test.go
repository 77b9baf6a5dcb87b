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

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	t.Parallel()

	c, err := CanonicalPath("/a/b/../c/")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", c)

	_, err = CanonicalPath("")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestSortedCanonical(t *testing.T) {
	t.Parallel()

	out, err := SortedCanonical([]string{"/b/x", "/a/y", "/a/x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/x", "/a/y", "/b/x"}, out)
}

func TestIsWithin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		child    string
		expected bool
	}{
		{"same path", "/a/b", "/a/b", true},
		{"direct child", "/a/b", "/a/b/c", true},
		{"deep child", "/a/b", "/a/b/c/d/e", true},
		{"sibling", "/a/b", "/a/bc", false},
		{"parent", "/a/b/c", "/a/b", false},
		{"unrelated", "/a/b", "/x/y", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsWithin(tt.path, tt.child))
		})
	}
}

func TestSplitName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		base string
		ext  string
	}{
		{"simple", "report.PDF", "report", "pdf"},
		{"no extension", "Makefile", "Makefile", ""},
		{"dotfile", ".gitignore", ".gitignore", ""},
		{"trailing dot", "weird.", "weird.", ""},
		{"multi dot", "archive.tar.gz", "archive.tar", "gz"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base, ext := SplitName(tt.in)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.ext, ext)
		})
	}
}
