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
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"indexfs/internal/config"
	"indexfs/internal/ipc"
)

var infoCmd = &cobra.Command{
	Use:   "info [volume]",
	Short: "Show index state for one or all volumes",
	Long: `Prints where the store lives and, per volume, how many entries are
indexed, the last applied journal sequence, and how many events were
dropped.

Examples:
  indexfs info
  indexfs info c`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	fmt.Printf("Config dir: %s\n", config.ConfigDir())
	fmt.Printf("Store: %s\n", config.StorePath())

	// Prefer the live watcher's view when one is running.
	if client, err := ipc.Connect(); err == nil {
		defer client.Close()
		resp, err := client.Status()
		if err == nil && resp.Success {
			fmt.Printf("Watcher: running (pid %d)\n", resp.PID)
			for _, v := range resp.Volumes {
				printVolumeInfo(v.Name, v.Entries, v.LastSeq, v.Dropped, v.Partial)
			}
			return nil
		}
	}
	fmt.Println("Watcher: not running")

	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()
	defer svc.Close()

	names := svc.Volumes()
	if len(args) == 1 {
		names = []string{args[0]}
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("No volumes configured.")
		return nil
	}

	for _, name := range names {
		stats, err := svc.Stats(name)
		if err != nil {
			return err
		}
		printVolumeInfo(name, stats.Entries, stats.LastSeq, stats.Dropped, stats.Partial)
	}
	return nil
}

func printVolumeInfo(name string, entries int, lastSeq, dropped uint64, partial bool) {
	fmt.Printf("\nVolume: %s\n", name)
	fmt.Printf("  Indexed entries: %d\n", entries)
	fmt.Printf("  Last journal seq: %d\n", lastSeq)
	if dropped > 0 {
		fmt.Printf("  Dropped events: %d\n", dropped)
	}
	if partial {
		fmt.Println("  State: scanning (results may be incomplete)")
	}
}
