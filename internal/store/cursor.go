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

package store

import (
	"context"
	"database/sql"
	"fmt"

	"indexfs/internal/volume"
)

// LoadCursor returns the persisted journal position for a volume.
// Implements volume.CursorStore.
func (s *Store) LoadCursor(vol string) (volume.Cursor, bool, error) {
	var m CursorModel
	err := s.bun.NewSelect().
		Model(&m).
		Where("volume = ?", vol).
		Scan(context.Background())
	if err == sql.ErrNoRows {
		return volume.Cursor{}, false, nil
	}
	if err != nil {
		return volume.Cursor{}, false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return volume.Cursor{
		JournalID: uint64(m.JournalID),
		Seq:       uint64(m.Seq),
	}, true, nil
}

// SaveCursor upserts the journal position for a volume.
func (s *Store) SaveCursor(vol string, c volume.Cursor) error {
	ctx := context.Background()
	return s.retryWrite(ctx, func() error {
		_, err := s.bun.NewInsert().
			Model(&CursorModel{
				Volume:    vol,
				JournalID: int64(c.JournalID),
				Seq:       int64(c.Seq),
			}).
			On("CONFLICT (volume) DO UPDATE").
			Set("journal_id = EXCLUDED.journal_id").
			Set("seq = EXCLUDED.seq").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save cursor: %w", err)
		}
		return nil
	})
}
