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
	ignore "github.com/sabhiram/go-gitignore"
)

// ExcludeFilter reports whether a path (relative, slash-separated) should
// be indexed. Returns true to keep.
type ExcludeFilter func(relPath string, isDir bool) bool

// BuildExcludeFilter compiles the configured gitignore-style exclude
// patterns into a filter. Nil patterns keep everything.
func BuildExcludeFilter(patterns []string) ExcludeFilter {
	if len(patterns) == 0 {
		return func(string, bool) bool { return true }
	}
	gi := ignore.CompileIgnoreLines(patterns...)
	return func(relPath string, isDir bool) bool {
		check := relPath
		if isDir {
			check = relPath + "/"
		}
		return !gi.MatchesPath(check)
	}
}
