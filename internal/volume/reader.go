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

package volume

import (
	"bufio"
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// ScanStats summarizes one table scan.
type ScanStats struct {
	Slots      uint64 // slots examined
	Entries    uint64 // live entries yielded
	FreeSlots  uint64 // never-used or deleted slots
	Corrupt    uint64 // slots skipped for parse/checksum failures
	Files      uint64
	Dirs       uint64
	TotalBytes uint64
	Elapsed    time.Duration
}

// Reader sequentially parses a volume's raw record table.
type Reader struct {
	opener Opener
	// ChannelCap bounds the entry channel; the consumer's pace
	// backpressures the scan instead of buffering the whole table.
	ChannelCap int
	// ProgressEvery emits a progress tick after this many slots.
	ProgressEvery uint64
	// Progress receives (processed, total) callbacks; may be nil.
	Progress func(processed, total uint64)
}

// NewReader returns a Reader using the given opener.
func NewReader(opener Opener) *Reader {
	return &Reader{
		opener:        opener,
		ChannelCap:    1024,
		ProgressEvery: 4096,
	}
}

// Scan parses the volume table and streams live entries. Record order is
// unspecified; consumers must tolerate children arriving before parents.
// Corrupt slots are counted and skipped, never aborting the scan. The
// returned stats are valid once the channel is closed; errs delivers at
// most one terminal error (open failure or read failure).
func (r *Reader) Scan(ctx context.Context, vol Volume) (<-chan RawEntry, *ScanStats, <-chan error) {
	entries := make(chan RawEntry, r.ChannelCap)
	errs := make(chan error, 1)
	stats := &ScanStats{}

	go func() {
		defer close(entries)
		defer close(errs)

		start := time.Now()
		f, err := r.opener.OpenTable(vol)
		if err != nil {
			errs <- err
			return
		}
		defer f.Close()

		var total uint64
		if info, err := f.Stat(); err == nil && info.Size() > 0 {
			total = uint64(info.Size()) / SlotSize
		}

		br := bufio.NewReaderSize(f, 64*SlotSize)
		slot := make([]byte, SlotSize)
		for {
			// Cancellation is checked per slot so a scan of millions of
			// records stops promptly.
			if ctx.Err() != nil {
				errs <- ctx.Err()
				break
			}
			if _, err := io.ReadFull(br, slot); err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					errs <- err
				}
				break
			}
			stats.Slots++

			entry, err := DecodeRecord(slot)
			if err != nil {
				stats.Corrupt++
				log.WithFields(log.Fields{
					"volume": vol.Name,
					"slot":   stats.Slots - 1,
				}).Debugf("skipping corrupt record: %v", err)
			} else if entry == nil || entry.IsDeleted() {
				stats.FreeSlots++
			} else {
				stats.Entries++
				if entry.IsDir() {
					stats.Dirs++
				} else {
					stats.Files++
					stats.TotalBytes += entry.Size
				}
				select {
				case entries <- *entry:
				case <-ctx.Done():
					errs <- ctx.Err()
					stats.Elapsed = time.Since(start)
					return
				}
			}

			if r.Progress != nil && r.ProgressEvery > 0 && stats.Slots%r.ProgressEvery == 0 {
				r.Progress(stats.Slots, total)
			}
		}

		stats.Elapsed = time.Since(start)
		log.WithFields(log.Fields{
			"volume":  vol.Name,
			"entries": stats.Entries,
			"corrupt": stats.Corrupt,
			"elapsed": stats.Elapsed,
		}).Info("volume table scan finished")
	}()

	return entries, stats, errs
}
