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
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"indexfs/internal/common"
)

// Change reason bits. A single event can carry several.
const (
	ReasonOverwrite uint32 = 0x00000001
	ReasonExtend    uint32 = 0x00000002
	ReasonTruncate  uint32 = 0x00000004
	ReasonSecurity  uint32 = 0x00000800
	ReasonCreate    uint32 = 0x00000100
	ReasonDelete    uint32 = 0x00000200
	ReasonRenameOld uint32 = 0x00001000
	ReasonRenameNew uint32 = 0x00002000
)

// ChangeEvent is one journaled filesystem mutation. Events for a volume are
// strictly ordered by Seq; apply must be idempotent per (ID, Seq) because
// delivery is at-least-once across restarts.
type ChangeEvent struct {
	Seq       uint64
	Reason    uint32
	ID        uint64
	ParentID  uint64
	Name      string
	Size      uint64
	Flags     uint32
	Timestamp time.Time
}

// Cursor is the monitor's persisted resume point.
type Cursor struct {
	JournalID uint64
	Seq       uint64 // last applied sequence, 0 = start of journal
}

// CursorStore persists per-volume cursors across restarts.
type CursorStore interface {
	LoadCursor(volume string) (Cursor, bool, error)
	SaveCursor(volume string, c Cursor) error
}

var (
	journalMagic = [4]byte{'I', 'J', 'N', 'L'}
	eventMagic   = [4]byte{'J', 'R', 'E', 'C'}
)

const (
	journalVersion   = 1
	journalHeaderLen = 32
	eventHeaderLen   = 8
)

// journalHeader layout, little endian:
//
//	[0:4]   magic "IJNL"
//	[4:8]   format version
//	[8:16]  journal id (regenerated when the journal is recreated)
//	[16:24] first retained sequence
//	[24:32] reserved
type journalHeader struct {
	ID       uint64
	FirstSeq uint64
}

func decodeJournalHeader(b []byte) (*journalHeader, error) {
	if len(b) < journalHeaderLen || [4]byte(b[0:4]) != journalMagic {
		return nil, fmt.Errorf("%w: bad journal header", common.ErrVolumeAccess)
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != journalVersion {
		return nil, fmt.Errorf("%w: unsupported journal version %d", common.ErrVolumeAccess, v)
	}
	return &journalHeader{
		ID:       binary.LittleEndian.Uint64(b[8:16]),
		FirstSeq: binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// encodeEvent serializes one journal record.
//
//	[0:4]   magic "JREC"
//	[4:8]   record length (including magic and CRC)
//	[8:]    body: seq, reason, id, parent id, size, flags, ts (unix nanos),
//	        name (u16 len + bytes)
//	[n-4:n] CRC32 (IEEE) over the body
func encodeEvent(ev *ChangeEvent) []byte {
	body := make([]byte, 0, 64)
	body = binary.LittleEndian.AppendUint64(body, ev.Seq)
	body = binary.LittleEndian.AppendUint32(body, ev.Reason)
	body = binary.LittleEndian.AppendUint64(body, ev.ID)
	body = binary.LittleEndian.AppendUint64(body, ev.ParentID)
	body = binary.LittleEndian.AppendUint64(body, ev.Size)
	body = binary.LittleEndian.AppendUint32(body, ev.Flags)
	body = binary.LittleEndian.AppendUint64(body, uint64(ev.Timestamp.UnixNano()))
	name := []byte(ev.Name)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(name)))
	body = append(body, name...)

	rec := make([]byte, eventHeaderLen+len(body)+4)
	copy(rec[0:4], eventMagic[:])
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(rec)))
	copy(rec[eventHeaderLen:], body)
	binary.LittleEndian.PutUint32(rec[eventHeaderLen+len(body):], crc32.ChecksumIEEE(body))
	return rec
}

func decodeEvent(rec []byte) (*ChangeEvent, error) {
	if len(rec) < eventHeaderLen+4 || [4]byte(rec[0:4]) != eventMagic {
		return nil, fmt.Errorf("%w: bad event magic", common.ErrCorruptRecord)
	}
	body := rec[eventHeaderLen : len(rec)-4]
	want := binary.LittleEndian.Uint32(rec[len(rec)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, fmt.Errorf("%w: event checksum mismatch", common.ErrCorruptRecord)
	}
	r := reader{buf: body}
	ev := &ChangeEvent{
		Seq:      r.u64(),
		Reason:   r.u32(),
		ID:       r.u64(),
		ParentID: r.u64(),
		Size:     r.u64(),
		Flags:    r.u32(),
	}
	ev.Timestamp = time.Unix(0, int64(r.u64()))
	ev.Name = r.str16()
	if r.failed {
		return nil, fmt.Errorf("%w: truncated event", common.ErrCorruptRecord)
	}
	return ev, nil
}

// Monitor streams a volume's change journal as a long-lived task. One
// Monitor runs per volume; Run exits on cancellation after persisting the
// cursor.
type Monitor struct {
	vol     Volume
	opener  Opener
	cursors CursorStore

	// PollInterval is how long to sleep when the journal has no new data.
	PollInterval time.Duration
	// ChannelCap bounds the event channel.
	ChannelCap int
	// BatchPersist persists the acknowledged cursor after at most this
	// many delivered events; smaller values narrow the at-least-once
	// replay window.
	BatchPersist int

	lastSeq   uint64
	journalID uint64
	corrupt   uint64
	acked     atomic.Uint64
}

// NewMonitor creates a journal monitor for one volume.
func NewMonitor(vol Volume, opener Opener, cursors CursorStore) *Monitor {
	return &Monitor{
		vol:          vol,
		opener:       opener,
		cursors:      cursors,
		PollInterval: 100 * time.Millisecond,
		ChannelCap:   1024,
		BatchPersist: 256,
	}
}

// CorruptCount returns the number of journal records skipped as corrupt.
// Only meaningful once Run has returned.
func (m *Monitor) CorruptCount() uint64 { return m.corrupt }

// Ack records that the consumer has applied and persisted every event up
// to seq. Only acknowledged sequences reach the cursor store: delivery
// into the channel alone is not durable, so a crash replays anything the
// consumer never acked.
func (m *Monitor) Ack(seq uint64) {
	for {
		cur := m.acked.Load()
		if seq <= cur || m.acked.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Run streams journal events to out in strict ascending sequence order
// until ctx is cancelled or the journal signals a rescan.
//
// Returns common.ErrNeedsFullRescan when the journal wrapped (new journal
// id), was truncated past the cursor, or a sequence gap was detected. The
// caller must run a full table scan, then call Run again; the cursor has
// already been advanced past every record currently in the journal, since
// the rescan captures their effects.
func (m *Monitor) Run(ctx context.Context, out chan<- ChangeEvent) error {
	f, err := m.opener.OpenJournal(m.vol)
	if err != nil {
		return err
	}
	defer f.Close()

	hdrBuf := make([]byte, journalHeaderLen)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return fmt.Errorf("volume %s: reading journal header: %w", m.vol.Name, common.ErrVolumeAccess)
	}
	hdr, err := decodeJournalHeader(hdrBuf)
	if err != nil {
		return err
	}
	m.journalID = hdr.ID

	cur, ok, err := m.cursors.LoadCursor(m.vol.Name)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		// First run: index from the journal start.
		m.lastSeq = 0
	case cur.JournalID != hdr.ID:
		log.WithField("volume", m.vol.Name).Warn("change journal was recreated, forcing rescan")
		return m.forceRescan(f)
	case cur.Seq+1 < hdr.FirstSeq:
		log.WithField("volume", m.vol.Name).Warn("change journal truncated past cursor, forcing rescan")
		return m.forceRescan(f)
	default:
		m.lastSeq = cur.Seq
	}
	m.acked.Store(m.lastSeq)

	defer m.persistCursor()

	sincePersist := 0
	for {
		rec, err := m.nextRecord(ctx, f)
		if err != nil {
			return err
		}
		ev, err := decodeEvent(rec)
		if err != nil {
			m.corrupt++
			log.WithField("volume", m.vol.Name).Debugf("skipping corrupt journal record: %v", err)
			continue
		}
		if ev.Seq <= m.lastSeq {
			// Replay of already-applied events after restart. Skipping here
			// plus idempotent apply gives exactly-once effect.
			continue
		}
		if ev.Seq != m.lastSeq+1 {
			log.WithFields(log.Fields{
				"volume": m.vol.Name,
				"want":   m.lastSeq + 1,
				"got":    ev.Seq,
			}).Warn("sequence gap in change journal, forcing rescan")
			return m.forceRescan(f)
		}

		select {
		case out <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.lastSeq = ev.Seq

		sincePersist++
		if sincePersist >= m.BatchPersist {
			m.persistCursor()
			sincePersist = 0
		}
	}
}

// forceRescan advances the cursor to the current journal identity and past
// every record the journal holds right now: the caller's full rescan
// captures their effects, and the stream resumes with whatever lands after
// them. Re-reads the header because the journal may have been recreated
// under a new id since Run opened it.
func (m *Monitor) forceRescan(f *os.File) error {
	id, firstSeq := m.journalID, uint64(0)
	hdrBuf := make([]byte, journalHeaderLen)
	if _, err := f.ReadAt(hdrBuf, 0); err == nil {
		if hdr, herr := decodeJournalHeader(hdrBuf); herr == nil {
			id, firstSeq = hdr.ID, hdr.FirstSeq
		}
	}
	tail, _ := scanRecords(f)
	if tail == 0 && firstSeq > 0 {
		tail = firstSeq - 1
	}
	if err := m.cursors.SaveCursor(m.vol.Name, Cursor{JournalID: id, Seq: tail}); err != nil {
		log.WithField("volume", m.vol.Name).Warnf("failed to reset cursor: %v", err)
	}
	m.journalID = id
	m.lastSeq = tail
	m.acked.Store(tail)
	return fmt.Errorf("volume %s: %w", m.vol.Name, common.ErrNeedsFullRescan)
}

func (m *Monitor) persistCursor() {
	c := Cursor{JournalID: m.journalID, Seq: m.acked.Load()}
	if err := m.cursors.SaveCursor(m.vol.Name, c); err != nil {
		log.WithField("volume", m.vol.Name).Warnf("failed to persist journal cursor: %v", err)
	}
}

// nextRecord reads the next complete journal record, polling for more data
// at EOF. Detects truncation while waiting (file shrank below our offset).
func (m *Monitor) nextRecord(ctx context.Context, f *os.File) ([]byte, error) {
	hdr := make([]byte, eventHeaderLen)
	for {
		off, _ := f.Seek(0, io.SeekCurrent)
		_, err := io.ReadFull(f, hdr)
		if err == nil {
			break
		}
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("volume %s: %w (%v)", m.vol.Name, common.ErrVolumeAccess, err)
		}
		// Partial header: rewind and wait for the writer to finish it.
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, err
		}
		if info, serr := f.Stat(); serr == nil && info.Size() < off {
			return nil, m.forceRescan(f)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.PollInterval):
		}
	}

	if [4]byte(hdr[0:4]) != eventMagic {
		return nil, fmt.Errorf("volume %s: journal desynchronized: %w", m.vol.Name, common.ErrNeedsFullRescan)
	}
	total := binary.LittleEndian.Uint32(hdr[4:8])
	if total < eventHeaderLen+4 || total > 1<<20 {
		return nil, fmt.Errorf("volume %s: journal desynchronized: %w", m.vol.Name, common.ErrNeedsFullRescan)
	}

	rec := make([]byte, total)
	copy(rec, hdr)
	for {
		off, _ := f.Seek(0, io.SeekCurrent)
		_, err := io.ReadFull(f, rec[eventHeaderLen:])
		if err == nil {
			return rec, nil
		}
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("volume %s: %w (%v)", m.vol.Name, common.ErrVolumeAccess, err)
		}
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.PollInterval):
		}
	}
}

// JournalWriter appends events to a journal file. The filesystem writes
// real volumes' journals; this writer backs image-file volumes, the
// fsnotify fallback watcher and tests.
type JournalWriter struct {
	f    *os.File
	id   uint64
	next uint64
}

// CreateJournal creates a new journal file with a fresh journal id.
func CreateJournal(path string, id uint64) (*JournalWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, journalHeaderLen)
	copy(hdr[0:4], journalMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], journalVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], id)
	binary.LittleEndian.PutUint64(hdr[16:24], 1)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &JournalWriter{f: f, id: id, next: 1}, nil
}

// OpenJournal opens an existing journal for appending, resuming sequence
// numbering after the last valid record.
func OpenJournal(path string) (*JournalWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	hdrBuf := make([]byte, journalHeaderLen)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: short journal header", common.ErrVolumeAccess)
	}
	hdr, err := decodeJournalHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	next := hdr.FirstSeq
	last, offset := scanRecords(f)
	if last > 0 {
		next = last + 1
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &JournalWriter{f: f, id: hdr.ID, next: next}, nil
}

// scanRecords walks the records after the header and returns the last
// valid sequence (0 when the journal holds none) and the offset just past
// it. Stops at the first torn or corrupt record.
func scanRecords(f *os.File) (uint64, int64) {
	var last uint64
	offset := int64(journalHeaderLen)
	recHdr := make([]byte, eventHeaderLen)
	for {
		if _, err := f.ReadAt(recHdr, offset); err != nil {
			break
		}
		if [4]byte(recHdr[0:4]) != eventMagic {
			break
		}
		recLen := binary.LittleEndian.Uint32(recHdr[4:8])
		if recLen < eventHeaderLen+4 || recLen > 1<<20 {
			break
		}
		rec := make([]byte, recLen)
		if _, err := f.ReadAt(rec, offset); err != nil {
			break
		}
		ev, err := decodeEvent(rec)
		if err != nil {
			break
		}
		last = ev.Seq
		offset += int64(recLen)
	}
	return last, offset
}

// Append assigns the next sequence number and appends the event.
func (w *JournalWriter) Append(ev ChangeEvent) (uint64, error) {
	ev.Seq = w.next
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if _, err := w.f.Write(encodeEvent(&ev)); err != nil {
		return 0, err
	}
	w.next++
	return ev.Seq, nil
}

// Sync flushes appended events to stable storage.
func (w *JournalWriter) Sync() error { return w.f.Sync() }

// Close closes the underlying file.
func (w *JournalWriter) Close() error { return w.f.Close() }
