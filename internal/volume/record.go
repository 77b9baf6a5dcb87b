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

// Package volume reads a volume's raw file-record table and streams its
// change journal. The table is a sequence of fixed-size slots, each holding
// at most one checksummed record; slots are reused, so record order carries
// no meaning and parent references may point at slots not yet seen.
package volume

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"indexfs/internal/common"
)

// SlotSize is the fixed size of one table slot. A record never spans slots,
// which lets the reader resynchronize after any corrupt slot.
const SlotSize = 1024

// RootID is the well-known record id of the volume root directory.
const RootID = 5

var recordMagic = [4]byte{'F', 'R', 'E', 'C'}

// RawEntry flag bits.
const (
	FlagDirectory uint32 = 1 << 0
	FlagHidden    uint32 = 1 << 1
	FlagSystem    uint32 = 1 << 2
	FlagDeleted   uint32 = 1 << 3
)

// RawEntry is one parsed file-table record. Entries are immutable: a change
// produces a superseding entry or journal event, never a mutation.
type RawEntry struct {
	ID         uint64
	ParentID   uint64
	Name       string
	Size       uint64
	Flags      uint32
	Created    time.Time
	Modified   time.Time
	Accessed   time.Time
	AltStreams []string
}

// IsDir reports whether the entry is a directory.
func (e *RawEntry) IsDir() bool { return e.Flags&FlagDirectory != 0 }

// IsDeleted reports whether the record occupies a freed slot.
func (e *RawEntry) IsDeleted() bool { return e.Flags&FlagDeleted != 0 }

// IsHidden reports whether the entry carries the hidden flag.
func (e *RawEntry) IsHidden() bool { return e.Flags&FlagHidden != 0 }

// Record slot layout, little endian:
//
//	[0:4]   magic "FREC"
//	[4:8]   record length (bytes, including magic and trailing CRC)
//	[8:]    body: id, parent id, flags, size, created/modified/accessed
//	        (unix nanos), name (u16 len + bytes),
//	        alt streams (u8 count, each u16 len + bytes)
//	[n-4:n] CRC32 (IEEE) over the body
const recordHeaderLen = 8

// EncodeRecord serializes an entry into a SlotSize buffer. Used by index
// snapshot tooling and tests; real volumes are written by the filesystem.
func EncodeRecord(e *RawEntry) ([]byte, error) {
	body := make([]byte, 0, 128)
	body = binary.LittleEndian.AppendUint64(body, e.ID)
	body = binary.LittleEndian.AppendUint64(body, e.ParentID)
	body = binary.LittleEndian.AppendUint32(body, e.Flags)
	body = binary.LittleEndian.AppendUint64(body, e.Size)
	body = binary.LittleEndian.AppendUint64(body, uint64(e.Created.UnixNano()))
	body = binary.LittleEndian.AppendUint64(body, uint64(e.Modified.UnixNano()))
	body = binary.LittleEndian.AppendUint64(body, uint64(e.Accessed.UnixNano()))

	name := []byte(e.Name)
	if len(name) > 0xFFFF {
		return nil, fmt.Errorf("%w: name too long", common.ErrInvalidPath)
	}
	body = binary.LittleEndian.AppendUint16(body, uint16(len(name)))
	body = append(body, name...)

	if len(e.AltStreams) > 0xFF {
		return nil, fmt.Errorf("%w: too many alternate streams", common.ErrCorruptRecord)
	}
	body = append(body, byte(len(e.AltStreams)))
	for _, s := range e.AltStreams {
		sb := []byte(s)
		if len(sb) > 0xFFFF {
			return nil, fmt.Errorf("%w: stream name too long", common.ErrInvalidPath)
		}
		body = binary.LittleEndian.AppendUint16(body, uint16(len(sb)))
		body = append(body, sb...)
	}

	total := recordHeaderLen + len(body) + 4
	if total > SlotSize {
		return nil, fmt.Errorf("record exceeds slot size (%d > %d)", total, SlotSize)
	}

	slot := make([]byte, SlotSize)
	copy(slot[0:4], recordMagic[:])
	binary.LittleEndian.PutUint32(slot[4:8], uint32(total))
	copy(slot[recordHeaderLen:], body)
	binary.LittleEndian.PutUint32(slot[recordHeaderLen+len(body):], crc32.ChecksumIEEE(body))
	return slot, nil
}

// DecodeRecord parses one slot. An all-zero slot returns (nil, nil): the
// slot was never used. Any malformed or checksum-failing slot returns
// ErrCorruptRecord so the caller can count and skip it.
func DecodeRecord(slot []byte) (*RawEntry, error) {
	if len(slot) < recordHeaderLen+4 {
		return nil, fmt.Errorf("%w: short slot", common.ErrCorruptRecord)
	}
	if isZero(slot[0:recordHeaderLen]) {
		return nil, nil
	}
	if [4]byte(slot[0:4]) != recordMagic {
		return nil, fmt.Errorf("%w: bad magic", common.ErrCorruptRecord)
	}
	total := binary.LittleEndian.Uint32(slot[4:8])
	if total < recordHeaderLen+4 || int(total) > len(slot) {
		return nil, fmt.Errorf("%w: bad record length %d", common.ErrCorruptRecord, total)
	}
	body := slot[recordHeaderLen : total-4]
	want := binary.LittleEndian.Uint32(slot[total-4 : total])
	if crc32.ChecksumIEEE(body) != want {
		return nil, fmt.Errorf("%w: checksum mismatch", common.ErrCorruptRecord)
	}

	r := reader{buf: body}
	e := &RawEntry{
		ID:       r.u64(),
		ParentID: r.u64(),
		Flags:    r.u32(),
		Size:     r.u64(),
		Created:  time.Unix(0, int64(r.u64())),
		Modified: time.Unix(0, int64(r.u64())),
		Accessed: time.Unix(0, int64(r.u64())),
	}
	e.Name = r.str16()
	if n := r.u8(); n > 0 {
		e.AltStreams = make([]string, 0, n)
		for i := 0; i < int(n); i++ {
			e.AltStreams = append(e.AltStreams, r.str16())
		}
	}
	if r.failed {
		return nil, fmt.Errorf("%w: truncated body", common.ErrCorruptRecord)
	}
	if e.ID == 0 {
		return nil, fmt.Errorf("%w: zero record id", common.ErrCorruptRecord)
	}
	return e, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// reader is a bounds-checked little-endian cursor over a record body.
// Overruns set failed instead of panicking; callers check once at the end.
type reader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *reader) take(n int) []byte {
	if r.failed || r.off+n > len(r.buf) {
		r.failed = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) str16() string {
	n := r.u16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}
