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

package txn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// WAL phases, in the order a healthy transaction writes them.
const (
	phaseBegin      = "begin"
	phaseOpStart    = "op_start"
	phaseOpDone     = "op_done"
	phaseOpFailed   = "op_failed"
	phaseCommit     = "commit"
	phaseFail       = "fail"
	phaseRollback   = "rollback"
	phaseRolledBack = "rolled_back"
)

// walRecord is one JSON line in the write-ahead log.
type walRecord struct {
	TxID  string    `json:"tx_id"`
	Phase string    `json:"phase"`
	Time  time.Time `json:"time"`

	OpSeq    int    `json:"op_seq,omitempty"`
	Kind     OpKind `json:"kind,omitempty"`
	Source   string `json:"source,omitempty"`
	Dest     string `json:"dest,omitempty"`
	PreHash  string `json:"pre_hash,omitempty"`
	Staged   string `json:"staged,omitempty"`
	ErrorMsg string `json:"error,omitempty"`
}

// wal is an append-only JSON-lines journal. Every append is fsynced before
// returning: a record on disk is the proof that the mutation it precedes
// was about to happen.
type wal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func openWAL(dir string) (*wal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("txn-%d.log", time.Now().Unix()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal segment: %w", err)
	}
	log.WithField("path", path).Info("opened transaction wal segment")
	return &wal{file: f, path: path}, nil
}

func (w *wal) append(rec walRecord) error {
	rec.Time = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal wal record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write wal record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	return nil
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// replayWAL reads every segment in dir and reconstructs the transactions
// whose journal shows a begin without a terminal phase. Those are the
// victims of a crash; the caller surfaces them as failed, never as
// committed.
func replayWAL(dir string) ([]*Transaction, error) {
	segments, err := filepath.Glob(filepath.Join(dir, "txn-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(segments)

	open := make(map[string]*Transaction)
	order := make([]string, 0)
	for _, seg := range segments {
		if err := replaySegment(seg, open, &order); err != nil {
			return nil, err
		}
	}

	incomplete := make([]*Transaction, 0, len(open))
	for _, id := range order {
		if tx, ok := open[id]; ok {
			incomplete = append(incomplete, tx)
		}
	}
	return incomplete, nil
}

func replaySegment(path string, open map[string]*Transaction, order *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open wal segment %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final write is expected after a crash.
			log.WithField("segment", path).Warn("skipping torn wal record")
			continue
		}
		applyReplay(open, order, rec)
	}
	return sc.Err()
}

func applyReplay(open map[string]*Transaction, order *[]string, rec walRecord) {
	switch rec.Phase {
	case phaseBegin:
		open[rec.TxID] = &Transaction{
			ID:        rec.TxID,
			Status:    StatusFailed,
			Error:     "incomplete",
			CreatedAt: rec.Time,
			UpdatedAt: rec.Time,
		}
		*order = append(*order, rec.TxID)
	case phaseOpStart:
		tx := open[rec.TxID]
		if tx == nil {
			return
		}
		tx.Ops = append(tx.Ops, &Operation{
			Seq:    rec.OpSeq,
			Kind:   rec.Kind,
			Source: rec.Source,
			Dest:   rec.Dest,
			Status: OpFailed,
			Error:  "incomplete",
		})
		tx.UpdatedAt = rec.Time
	case phaseOpDone:
		tx := open[rec.TxID]
		if tx == nil {
			return
		}
		for _, op := range tx.Ops {
			if op.Seq == rec.OpSeq {
				op.Status = OpApplied
				op.Error = ""
				op.PreHash = rec.PreHash
				op.StagedPath = rec.Staged
			}
		}
		tx.UpdatedAt = rec.Time
	case phaseCommit, phaseFail, phaseRolledBack:
		delete(open, rec.TxID)
	}
}
