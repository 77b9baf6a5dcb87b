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

import "github.com/uptrace/bun"

// SchemaInfoModel represents the schema_info table.
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FileModel represents the files table: the persisted index used to warm
// start without a full volume rescan. Times are Unix nanoseconds.
type FileModel struct {
	bun.BaseModel `bun:"table:files"`

	Volume   string `bun:"volume,pk"`
	ID       int64  `bun:"id,pk"`
	ParentID int64  `bun:"parent_id,notnull"`
	Name     string `bun:"name,notnull"`
	Ext      string `bun:"ext"`
	Size     int64  `bun:"size"`
	Flags    int64  `bun:"flags"`
	Created  int64  `bun:"created"`
	Modified int64  `bun:"modified"`
	Accessed int64  `bun:"accessed"`
	Seq      int64  `bun:"seq"`
}

// CursorModel represents the cursors table: one journal position per
// volume.
type CursorModel struct {
	bun.BaseModel `bun:"table:cursors"`

	Volume    string `bun:"volume,pk"`
	JournalID int64  `bun:"journal_id,notnull"`
	Seq       int64  `bun:"seq,notnull"`
}

// TransactionModel represents the transactions audit table. Ops is the
// JSON-encoded operation list.
type TransactionModel struct {
	bun.BaseModel `bun:"table:transactions"`

	ID        string `bun:"id,pk"`
	Status    string `bun:"status,notnull"`
	Ops       string `bun:"ops,notnull"`
	Error     string `bun:"error"`
	CreatedAt int64  `bun:"created_at,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}
