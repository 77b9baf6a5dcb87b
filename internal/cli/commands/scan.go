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
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"indexfs/internal/ipc"
)

var scanCmd = &cobra.Command{
	Use:   "scan [volume]",
	Short: "Rebuild the index for one or all volumes",
	Long: `Reads a volume's raw record table (or walks its watch root when it
has no table) and rebuilds the search index from scratch.

Without an argument, every configured volume is scanned.

Examples:
  indexfs scan
  indexfs scan c
  indexfs scan c --quiet`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var scanQuiet bool

func init() {
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	// A running watcher owns the index; scan through it to avoid two
	// writers on the same store.
	if client, err := ipc.Connect(); err == nil {
		defer client.Close()
		vol := ""
		if len(args) == 1 {
			vol = args[0]
		}
		resp, err := client.Scan(vol)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		for _, v := range resp.Volumes {
			fmt.Printf("%s: %d entries indexed\n", v.Name, v.Entries)
		}
		return nil
	}

	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progressDone chan struct{}
	if !scanQuiet {
		updates, cancel := svc.SubscribeProgress()
		defer cancel()
		progressDone = make(chan struct{})
		go func() {
			defer close(progressDone)
			for u := range updates {
				if u.Total > 0 {
					fmt.Printf("\r%s: %d/%d slots", u.Volume, u.Processed, u.Total)
				} else {
					fmt.Printf("\r%s: %d entries", u.Volume, u.Processed)
				}
			}
		}()
	}

	if len(args) == 1 {
		name := args[0]
		stats, err := svc.Scan(ctx, name)
		if err != nil {
			return fmt.Errorf("scan of %s failed: %w", name, err)
		}
		if !scanQuiet {
			fmt.Println()
		}
		printScanStats(name, stats.Entries, stats.Files, stats.Dirs, stats.Corrupt, stats.Elapsed.String())
		return nil
	}

	names := svc.Volumes()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("No volumes configured. Edit", "settings.yaml", "in the config directory.")
		return nil
	}
	if err := svc.ScanAll(ctx); err != nil {
		return err
	}
	if !scanQuiet {
		fmt.Println()
	}
	for _, name := range names {
		snap, err := svc.Snapshot(name)
		if err != nil {
			continue
		}
		fmt.Printf("%s: %d entries indexed\n", name, len(snap.IDs()))
	}
	return nil
}

func printScanStats(name string, entries, files, dirs, corrupt uint64, elapsed string) {
	fmt.Printf("Volume: %s\n", name)
	fmt.Printf("Entries: %d (%d files, %d dirs)\n", entries, files, dirs)
	if corrupt > 0 {
		fmt.Printf("Corrupt slots skipped: %d\n", corrupt)
	}
	fmt.Printf("Elapsed: %s\n", elapsed)
}
