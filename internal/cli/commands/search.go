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

package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"indexfs/internal/ipc"
	"indexfs/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search [pattern]",
	Short: "Search the index",
	Long: `Searches the persisted index. Patterns are globs by default
(* and ? wildcards, case-insensitive); use --regex for full regular
expressions. Run 'indexfs scan' first to build the index.

Examples:
  indexfs search '*.iso' --volume c
  indexfs search 'report*' --ext pdf,docx --scope /docs
  indexfs search --min-size 100MB --sort size --desc
  indexfs search '^IMG_\d+' --regex --after 2025-01-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

var (
	searchVolume  string
	searchRegex   bool
	searchExts    []string
	searchMinSize string
	searchMaxSize string
	searchAfter   string
	searchBefore  string
	searchScope   string
	searchDirs    bool
	searchFiles   bool
	searchSort    string
	searchDesc    bool
	searchLimit   int
	searchOffset  int
)

func init() {
	f := searchCmd.Flags()
	f.StringVarP(&searchVolume, "volume", "v", "", "Volume to search (default: all)")
	f.BoolVar(&searchRegex, "regex", false, "Treat the pattern as a regular expression")
	f.StringSliceVarP(&searchExts, "ext", "e", nil, "Filter by extension (repeatable or comma-separated)")
	f.StringVar(&searchMinSize, "min-size", "", "Minimum file size (e.g. 100MB)")
	f.StringVar(&searchMaxSize, "max-size", "", "Maximum file size")
	f.StringVar(&searchAfter, "after", "", "Modified on or after this date (YYYY-MM-DD)")
	f.StringVar(&searchBefore, "before", "", "Modified before this date (YYYY-MM-DD)")
	f.StringVar(&searchScope, "scope", "", "Restrict results to this directory subtree")
	f.BoolVar(&searchDirs, "dirs", false, "Match directories only")
	f.BoolVar(&searchFiles, "files", false, "Match files only")
	f.StringVar(&searchSort, "sort", "", "Sort key: name, size, modified")
	f.BoolVar(&searchDesc, "desc", false, "Sort descending")
	f.IntVarP(&searchLimit, "limit", "n", 100, "Maximum results to print")
	f.IntVar(&searchOffset, "offset", 0, "Skip this many results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(args)
	if err != nil {
		return err
	}

	// A running watcher serves from its live in-memory index.
	if client, err := ipc.Connect(); err == nil {
		defer client.Close()
		return searchViaWatcher(client, q)
	}

	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()
	defer svc.Close()

	volumes := svc.Volumes()
	if searchVolume != "" {
		volumes = []string{searchVolume}
	}
	if len(volumes) == 0 {
		return fmt.Errorf("no volumes configured")
	}

	total := 0
	for _, vol := range volumes {
		res, err := svc.Search(context.Background(), vol, q)
		if err != nil {
			return fmt.Errorf("search on %s failed: %w", vol, err)
		}
		for _, m := range res.Matches {
			fmt.Printf("%s:%s\t%s\t%s\n",
				vol, m.Path, formatSize(m.File.Size), m.File.Modified.Format("2006-01-02 15:04"))
		}
		total += res.Total
		if res.Partial {
			fmt.Printf("# %s: index is mid-scan, results may be incomplete\n", vol)
		}
	}
	fmt.Printf("# %d match(es)\n", total)
	return nil
}

func searchViaWatcher(client *ipc.Client, q search.Query) error {
	resp, err := client.Search(searchVolume, q)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	for _, m := range resp.Matches {
		fmt.Printf("%s:%s\t%s\t%s\n",
			m.Volume, m.Path, formatSize(m.Size), m.Modified.Format("2006-01-02 15:04"))
	}
	if resp.Partial {
		fmt.Println("# index is mid-scan, results may be incomplete")
	}
	fmt.Printf("# %d match(es)\n", resp.Total)
	return nil
}

func buildQuery(args []string) (search.Query, error) {
	q := search.Query{
		Exts:      searchExts,
		Scope:     searchScope,
		DirsOnly:  searchDirs,
		FilesOnly: searchFiles,
		Desc:      searchDesc,
		Limit:     searchLimit,
		Offset:    searchOffset,
	}
	if len(args) == 1 {
		q.Name = args[0]
		q.Regex = searchRegex
	}

	var err error
	if q.MinSize, err = parseSize(searchMinSize); err != nil {
		return q, fmt.Errorf("invalid --min-size: %w", err)
	}
	if q.MaxSize, err = parseSize(searchMaxSize); err != nil {
		return q, fmt.Errorf("invalid --max-size: %w", err)
	}
	if q.ModifiedAfter, err = parseDate(searchAfter); err != nil {
		return q, fmt.Errorf("invalid --after: %w", err)
	}
	if q.ModifiedBefore, err = parseDate(searchBefore); err != nil {
		return q, fmt.Errorf("invalid --before: %w", err)
	}

	switch strings.ToLower(searchSort) {
	case "":
		q.Sort = search.SortDefault
	case "name":
		q.Sort = search.SortName
	case "size":
		q.Sort = search.SortSize
	case "modified", "mtime":
		q.Sort = search.SortModified
	default:
		return q, fmt.Errorf("unknown --sort value %q", searchSort)
	}
	return q, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

var sizeUnits = []struct {
	suffix string
	mult   uint64
}{
	{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1},
}

func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, u := range sizeUnits {
		if !strings.HasSuffix(upper, u.suffix) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(upper, u.suffix))
		var val float64
		if _, err := fmt.Sscanf(num, "%g", &val); err != nil {
			return 0, fmt.Errorf("cannot parse %q", s)
		}
		return uint64(val * float64(u.mult)), nil
	}
	var val uint64
	if _, err := fmt.Sscanf(upper, "%d", &val); err != nil {
		return 0, fmt.Errorf("cannot parse %q", s)
	}
	return val, nil
}

func formatSize(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
