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

package search

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"indexfs/internal/common"
	"indexfs/internal/util"
)

// SortKey selects the ordering of search results.
type SortKey int

const (
	// SortDefault orders by insertion order, ties broken by file id.
	SortDefault SortKey = iota
	SortName
	SortSize
	SortModified
)

// Query describes one search. The zero value matches everything.
type Query struct {
	// Name is a glob pattern matched against file names, or a regular
	// expression when Regex is set. Matching is case-insensitive.
	Name  string
	Regex bool

	// Exts restricts results to the given extensions (without dots).
	Exts []string

	// MinSize and MaxSize bound file sizes in bytes. MaxSize zero means
	// unbounded.
	MinSize uint64
	MaxSize uint64

	ModifiedAfter  time.Time
	ModifiedBefore time.Time
	CreatedAfter   time.Time
	CreatedBefore  time.Time

	// Scope restricts results to the subtree rooted at this path.
	Scope string

	DirsOnly  bool
	FilesOnly bool

	Sort SortKey
	Desc bool

	Limit  int
	Offset int
}

// compiled is a validated, executable form of a Query.
type compiled struct {
	q       Query
	pattern *regexp.Regexp
	// literal tokens extracted from a glob pattern, usable against the
	// bloom pre-filter and inverted index.
	tokens []string
	exts   map[string]struct{}
}

// Fingerprint returns a stable fixed-size digest identifying the query,
// suitable as a cache key. Two queries with equal fingerprints return
// equal results against the same snapshot.
func (q Query) Fingerprint() string {
	plain := fmt.Sprintf("%s|%t|%s|%d|%d|%d|%d|%d|%d|%s|%t|%t|%d|%t|%d|%d",
		q.Name, q.Regex, strings.Join(q.Exts, ","),
		q.MinSize, q.MaxSize,
		q.ModifiedAfter.UnixNano(), q.ModifiedBefore.UnixNano(),
		q.CreatedAfter.UnixNano(), q.CreatedBefore.UnixNano(),
		q.Scope, q.DirsOnly, q.FilesOnly,
		q.Sort, q.Desc, q.Limit, q.Offset)
	return util.HashBytes([]byte(plain))
}

func compileQuery(q Query) (*compiled, error) {
	if q.DirsOnly && q.FilesOnly {
		return nil, fmt.Errorf("dirs-only and files-only are mutually exclusive: %w", common.ErrQuerySyntax)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("negative limit or offset: %w", common.ErrQuerySyntax)
	}
	if q.MaxSize > 0 && q.MinSize > q.MaxSize {
		return nil, fmt.Errorf("inverted size range: %w", common.ErrQuerySyntax)
	}
	if invertedRange(q.ModifiedAfter, q.ModifiedBefore) || invertedRange(q.CreatedAfter, q.CreatedBefore) {
		return nil, fmt.Errorf("inverted date range: %w", common.ErrQuerySyntax)
	}

	c := &compiled{q: q}
	if q.Name != "" {
		expr := q.Name
		if !q.Regex {
			expr = globToRegex(q.Name)
			c.tokens = globTokens(q.Name)
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("bad name pattern %q: %w", q.Name, common.ErrQuerySyntax)
		}
		c.pattern = re
	}
	if len(q.Exts) > 0 {
		c.exts = make(map[string]struct{}, len(q.Exts))
		for _, e := range q.Exts {
			c.exts[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
		}
	}
	return c, nil
}

func invertedRange(after, before time.Time) bool {
	return !after.IsZero() && !before.IsZero() && after.After(before)
}

// globTokens extracts the complete literal tokens of a glob pattern, the
// ones the inverted index can answer exactly. A run touching a wildcard is
// only a token fragment and is skipped; "*.txt" yields ["txt"] but "rep*"
// yields nothing.
func globTokens(glob string) []string {
	lower := []rune(strings.ToLower(glob))
	isWild := func(i int) bool {
		if i < 0 || i >= len(lower) {
			return false
		}
		return lower[i] == '*' || lower[i] == '?'
	}
	var tokens []string
	start := -1
	for i := 0; i <= len(lower); i++ {
		if i < len(lower) && (unicode.IsLetter(lower[i]) || unicode.IsDigit(lower[i])) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if !isWild(start-1) && !isWild(i) {
				tokens = append(tokens, string(lower[start:i]))
			}
			start = -1
		}
	}
	return tokens
}

// globToRegex translates a glob pattern to an anchored regular expression:
// '*' matches any run, '?' any single character, everything else literally.
func globToRegex(glob string) string {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		case '.', '+', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('$')
	return sb.String()
}
