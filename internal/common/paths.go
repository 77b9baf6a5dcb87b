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
	"path/filepath"
	"sort"
	"strings"
)

// CanonicalPath converts a path to the canonical absolute form used as the
// key in the transaction lock table. Two paths naming the same file must
// canonicalize identically or lock conflict detection is unsound.
func CanonicalPath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ErrInvalidPath
	}
	return filepath.Clean(abs), nil
}

// SortedCanonical canonicalizes every path and returns them sorted. Lock
// acquisition walks this order across all paths a transaction touches, so
// two transactions can never acquire overlapping sets in opposite order.
func SortedCanonical(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := CanonicalPath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// IsWithin reports whether child is path itself or inside the subtree
// rooted at path. Both arguments must already be canonical.
func IsWithin(path, child string) bool {
	if path == child {
		return true
	}
	return strings.HasPrefix(child, path+string(filepath.Separator))
}

// SplitName splits a file name into its base and lowercased extension
// (without the dot). Directories and dotfiles have no extension.
func SplitName(name string) (base, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 || idx == len(name)-1 {
		return name, ""
	}
	return name[:idx], strings.ToLower(name[idx+1:])
}
