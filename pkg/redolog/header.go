// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

// HeaderSize is the size of the fixed header region at the start of a file
// log. Records start right after it.
const HeaderSize = 512

// MaxServerIDLen is the most bytes of a server id a header can hold. Longer
// ids are truncated.
const MaxServerIDLen = 127

// HeaderMagic identifies a redo log file.
var HeaderMagic = []byte("MBXREDO")

// The header layout (all integers big endian):
// -------------------------------------------------------------------
// | magic (7) | open (1) | file size (8) | sequence (8)              |
// -------------------------------------------------------------------
// | server id len (1) | server id (127, zero padded)                 |
// -------------------------------------------------------------------
// | first op tstamp (8) | last op tstamp (8) | version (2+2)         |
// -------------------------------------------------------------------
// | create time (8) | zero padding up to HeaderSize                  |
// -------------------------------------------------------------------
var (
	offOpen       = len(HeaderMagic)
	offFileSize   = offOpen + 1
	offSequence   = offFileSize + 8
	offServerID   = offSequence + 8
	offFirstOp    = offServerID + 1 + MaxServerIDLen
	offLastOp     = offFirstOp + 8
	offVersion    = offLastOp + 8
	offCreateTime = offVersion + versionLen
)

// Header is the metadata of one physical log.
type Header struct {
	// Open is true while a writer holds the log.
	Open bool

	// FileSize is the size of the log in bytes, header included.
	FileSize int64

	// Sequence is the ordinal of this physical log in its series.
	Sequence int64

	// ServerID identifies the server that wrote the log.
	ServerID string

	// FirstOpTstamp is the timestamp of the first record. It is set once.
	FirstOpTstamp int64

	// LastOpTstamp is the highest record timestamp seen so far.
	LastOpTstamp int64

	// Version is the header format version.
	Version Version

	// CreateTime is when the log was created, in milliseconds.
	CreateTime int64
}

// NewHeader returns the header of a brand new log.
func NewHeader(serverID string, seq int64, now time.Time) *Header {
	return &Header{
		FileSize:   HeaderSize,
		Sequence:   seq,
		ServerID:   truncateServerID(serverID),
		Version:    LatestVersion,
		CreateTime: now.UnixMilli(),
	}
}

// Observe updates the op timestamps for a record with timestamp ts. first
// says the record is the first one of the log, which is the only time
// FirstOpTstamp is set. It returns true if the header changed.
func (h *Header) Observe(ts int64, first bool) bool {
	if first {
		h.FirstOpTstamp, h.LastOpTstamp = ts, ts
		return true
	}
	changed := false
	if ts > h.LastOpTstamp {
		h.LastOpTstamp = ts
		changed = true
	}
	return changed
}

// MarshalBinary serializes the header into exactly HeaderSize bytes.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b, HeaderMagic)
	if h.Open {
		b[offOpen] = 1
	}
	binary.BigEndian.PutUint64(b[offFileSize:], uint64(h.FileSize))
	binary.BigEndian.PutUint64(b[offSequence:], uint64(h.Sequence))

	sid := truncateServerID(h.ServerID)
	b[offServerID] = byte(len(sid))
	copy(b[offServerID+1:offServerID+1+MaxServerIDLen], sid)

	binary.BigEndian.PutUint64(b[offFirstOp:], uint64(h.FirstOpTstamp))
	binary.BigEndian.PutUint64(b[offLastOp:], uint64(h.LastOpTstamp))
	h.Version.put(b[offVersion:])
	binary.BigEndian.PutUint64(b[offCreateTime:], uint64(h.CreateTime))
	return b, nil
}

// UnmarshalBinary is the opposite of MarshalBinary. It rejects data that is
// not a redo log header and headers with a version newer than LatestVersion.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: header is %d bytes, expected %d", ErrCorruptData, len(b), HeaderSize)
	}
	for i := range HeaderMagic {
		if b[i] != HeaderMagic[i] {
			return ErrBadMagic
		}
	}

	version := readVersion(b[offVersion:])
	if version.TooHigh() {
		return fmt.Errorf("%w: %s > %s", ErrVersionTooHigh, version, LatestVersion)
	}

	sidLen := int(b[offServerID])
	if sidLen > MaxServerIDLen {
		return fmt.Errorf("%w: server id length %d", ErrCorruptData, sidLen)
	}

	*h = Header{
		Open:          b[offOpen] != 0,
		FileSize:      int64(binary.BigEndian.Uint64(b[offFileSize:])),
		Sequence:      int64(binary.BigEndian.Uint64(b[offSequence:])),
		ServerID:      string(b[offServerID+1 : offServerID+1+sidLen]),
		FirstOpTstamp: int64(binary.BigEndian.Uint64(b[offFirstOp:])),
		LastOpTstamp:  int64(binary.BigEndian.Uint64(b[offLastOp:])),
		Version:       version,
		CreateTime:    int64(binary.BigEndian.Uint64(b[offCreateTime:])),
	}
	return nil
}

// ReadHeader reads and decodes the header at the start of r.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	b := make([]byte, HeaderSize)
	n, err := r.ReadAt(b, 0)
	if n < HeaderSize {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	h := &Header{}
	if err := h.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return h, nil
}

// writeHeader writes h at the start of w.
func writeHeader(w io.WriterAt, h *Header) error {
	b, _ := h.MarshalBinary()
	n, err := w.WriteAt(b, 0)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	return err
}

func (h *Header) String() string {
	return fmt.Sprintf("seq=%d open=%t size=%d server=%q version=%s created=%s firstOp=%d lastOp=%d",
		h.Sequence, h.Open, h.FileSize, h.ServerID, h.Version,
		time.UnixMilli(h.CreateTime).Format(time.RFC3339), h.FirstOpTstamp, h.LastOpTstamp)
}

// truncateServerID cuts id down to MaxServerIDLen bytes without splitting a
// UTF-8 sequence.
func truncateServerID(id string) string {
	if len(id) <= MaxServerIDLen {
		return id
	}
	cut := MaxServerIDLen
	for cut > 0 && !utf8.RuneStart(id[cut]) {
		cut--
	}
	return id[:cut]
}
