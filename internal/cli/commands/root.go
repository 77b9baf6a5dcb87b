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
	"io"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"indexfs/internal/config"
	"indexfs/internal/service"
	"indexfs/internal/store"
	"indexfs/internal/volume"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "indexfs",
	Short: "Instant file search over raw volume metadata",
	Long: `Indexes file metadata directly from volume record tables and change
journals, serves sub-second searches over it, and applies batch file
operations as durable, reversible transactions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		// CLI commands stay quiet; watch re-enables logging itself.
		log.SetOutput(io.Discard)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("indexfs version {{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// applyLogLevel maps the settings value onto logrus (case insensitive).
func applyLogLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "off":
		log.SetOutput(io.Discard)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// openService loads settings, opens the store and builds the composed
// service. The caller owns both returned handles.
func openService() (*service.Service, *store.Store, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load settings: %w", err)
	}

	st, rebuilt, err := store.Open(config.StorePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open index store: %w", err)
	}
	if rebuilt {
		fmt.Println("Index store schema changed; a full rescan is required.")
	}

	svc, err := service.New(settings, st, volume.DeviceOpener{})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return svc, st, nil
}
