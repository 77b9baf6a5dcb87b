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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"indexfs/internal/config"
	"indexfs/internal/ipc"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the index live from change journals",
	Long: `Tails every configured volume's change journal (or falls back to a
directory watcher for volumes without one) and keeps the index current
until interrupted. Only one watcher may run per config directory.

Examples:
  indexfs watch
  indexfs watch --scan-first`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchScanFirst bool

func init() {
	watchCmd.Flags().BoolVar(&watchScanFirst, "scan-first", false, "Run a full scan of every volume before watching")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	lock, err := config.AcquireInstanceLock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	settings, err := config.LoadSettings()
	if err != nil {
		return err
	}
	log.SetOutput(os.Stderr)
	applyLogLevel(settings.LogLevel)

	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := ipc.NewServer(ipc.Handler(svc, stop))
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	if watchScanFirst {
		if err := svc.ScanAll(ctx); err != nil {
			return err
		}
	}

	fmt.Println("Watching volumes; press Ctrl-C to stop.")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
