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
	"sort"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact [volume]",
	Short: "Purge tombstones, staged deletes and old audit rows",
	Long: `Drops deleted entries retained in the index, rebuilds the name
filter, removes staged delete files past the retention window, and
prunes old transaction audit rows.

Without an argument, every configured volume is compacted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
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

	ctx := context.Background()
	for _, name := range names {
		if err := svc.Compact(ctx, name); err != nil {
			return fmt.Errorf("compact of %s failed: %w", name, err)
		}
		fmt.Printf("%s: compacted\n", name)
	}
	return nil
}
