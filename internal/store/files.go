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
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"indexfs/internal/index"
)

// saveBatchSize bounds one insert statement; libsql rejects statements
// with too many bound parameters.
const saveBatchSize = 500

// SaveFiles replaces the persisted index rows for the given files. Called
// by the apply loop after each published batch; rows accumulate across
// calls, so a full snapshot persists incrementally.
func (s *Store) SaveFiles(ctx context.Context, vol string, files []*index.IndexedFile) error {
	for start := 0; start < len(files); start += saveBatchSize {
		end := start + saveBatchSize
		if end > len(files) {
			end = len(files)
		}
		models := make([]FileModel, 0, end-start)
		for _, f := range files[start:end] {
			models = append(models, fileToModel(vol, f))
		}
		if err := s.retryWrite(ctx, func() error {
			_, err := s.bun.NewInsert().
				Model(&models).
				On("CONFLICT (volume, id) DO UPDATE").
				Set("parent_id = EXCLUDED.parent_id").
				Set("name = EXCLUDED.name").
				Set("ext = EXCLUDED.ext").
				Set("size = EXCLUDED.size").
				Set("flags = EXCLUDED.flags").
				Set("created = EXCLUDED.created").
				Set("modified = EXCLUDED.modified").
				Set("accessed = EXCLUDED.accessed").
				Set("seq = EXCLUDED.seq").
				Exec(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("failed to save files: %w", err)
		}
	}
	return nil
}

// DeleteFiles removes persisted rows for ids that left the index.
func (s *Store) DeleteFiles(ctx context.Context, vol string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	signed := make([]int64, len(ids))
	for i, id := range ids {
		signed[i] = int64(id)
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.bun.NewDelete().
			Model((*FileModel)(nil)).
			Where("volume = ?", vol).
			Where("id IN (?)", bun.In(signed)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete files: %w", err)
		}
		return nil
	})
}

// DeleteVolume drops every persisted row for a volume ahead of a full
// rescan.
func (s *Store) DeleteVolume(ctx context.Context, vol string) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.bun.NewDelete().
			Model((*FileModel)(nil)).
			Where("volume = ?", vol).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete volume rows: %w", err)
		}
		return nil
	})
}

// LoadFiles streams the persisted index for a warm start, invoking fn per
// file in id order.
func (s *Store) LoadFiles(ctx context.Context, vol string, fn func(*index.IndexedFile)) (int, error) {
	var models []FileModel
	err := s.bun.NewSelect().
		Model(&models).
		Where("volume = ?", vol).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load files: %w", err)
	}
	for i := range models {
		fn(modelToFile(&models[i]))
	}
	return len(models), nil
}

func fileToModel(vol string, f *index.IndexedFile) FileModel {
	return FileModel{
		Volume:   vol,
		ID:       int64(f.ID),
		ParentID: int64(f.ParentID),
		Name:     f.Name,
		Ext:      f.Ext,
		Size:     int64(f.Size),
		Flags:    int64(f.Flags),
		Created:  f.Created.UnixNano(),
		Modified: f.Modified.UnixNano(),
		Accessed: f.Accessed.UnixNano(),
		Seq:      int64(f.Seq),
	}
}

func modelToFile(m *FileModel) *index.IndexedFile {
	return &index.IndexedFile{
		ID:       uint64(m.ID),
		ParentID: uint64(m.ParentID),
		Name:     m.Name,
		Ext:      m.Ext,
		Size:     uint64(m.Size),
		Flags:    uint32(m.Flags),
		Created:  time.Unix(0, m.Created),
		Modified: time.Unix(0, m.Modified),
		Accessed: time.Unix(0, m.Accessed),
		Seq:      uint64(m.Seq),
	}
}
