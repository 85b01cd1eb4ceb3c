// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	log "github.com/golang/glog"
)

// MaxPayloadLen is the largest serialized operation a record can carry.
const MaxPayloadLen = 8 * 1024 * 1024

// Records follow the header of a file log. Each is framed as (all values big
// endian):
// ------------------------------------------------------------------
// | body len (4)                                                    |
// ------------------------------------------------------------------
// | timestamp (8) | mailbox id (4) | op type (2) | submit time (8)  |
// ------------------------------------------------------------------
// | txn time (4) | txn counter (4) | payload (body len - 30)        |
// ------------------------------------------------------------------
// | csum (4)                                                        |
// ------------------------------------------------------------------
// The checksum covers every byte that precedes it, the length included.
const (
	frameLenSize  = 4
	frameMetaSize = 8 + 4 + 2 + 8 + 4 + 4
	frameCsumSize = 4

	// frameOverhead is the number of bytes a record adds to its payload.
	frameOverhead = frameLenSize + frameMetaSize + frameCsumSize
)

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// serializeRecord frames r into a single buffer so it can be written with
// one call.
func serializeRecord(r *Record) ([]byte, error) {
	if len(r.Payload) > MaxPayloadLen {
		return nil, ErrRecordTooBig
	}
	bodyLen := frameMetaSize + len(r.Payload)
	buf := make([]byte, frameLenSize+bodyLen+frameCsumSize)

	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[12:16], uint32(r.MailboxID))
	binary.BigEndian.PutUint16(buf[16:18], uint16(r.Type))
	binary.BigEndian.PutUint64(buf[18:26], uint64(r.SubmitTime))
	binary.BigEndian.PutUint32(buf[26:30], uint32(r.TxnID.Time))
	binary.BigEndian.PutUint32(buf[30:34], uint32(r.TxnID.Counter))
	copy(buf[34:], r.Payload)

	end := frameLenSize + bodyLen
	binary.BigEndian.PutUint32(buf[end:], crc32.Checksum(buf[:end], crc32Table))
	return buf, nil
}

// deserializeRecord is the opposite of serializeRecord. It validates the
// checksum as it reads, so a record it returns is intact.
// Returns io.EOF if there was no data to read, io.ErrUnexpectedEOF if the
// reader ran out of data in the middle of a record, or ErrCorruptData.
func deserializeRecord(reader io.Reader) (Record, int, error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			log.Errorf("Read record length failed: %v", err)
		}
		return Record{}, 0, err
	}

	bodyLen := binary.BigEndian.Uint32(lenBuf[:])

	// The checksum isn't verified yet, so bodyLen might be gibberish.
	if bodyLen < frameMetaSize || bodyLen > frameMetaSize+MaxPayloadLen {
		log.Errorf("Invalid record body length %d", bodyLen)
		return Record{}, 0, ErrCorruptData
	}

	rest := make([]byte, int(bodyLen)+frameCsumSize)
	if _, err := io.ReadFull(reader, rest); err == io.EOF || err == io.ErrUnexpectedEOF {
		return Record{}, 0, io.ErrUnexpectedEOF
	} else if err != nil {
		log.Errorf("Read record body failed: %v", err)
		return Record{}, 0, err
	}

	csum := crc32.Update(0, crc32Table, lenBuf[:])
	csum = crc32.Update(csum, crc32Table, rest[:bodyLen])
	if expected := binary.BigEndian.Uint32(rest[bodyLen:]); csum != expected {
		log.Errorf("Checksum mismatch: %d != %d", csum, expected)
		return Record{}, 0, ErrCorruptData
	}

	body := rest[:bodyLen]
	r := Record{
		Entry: Entry{
			Timestamp:  int64(binary.BigEndian.Uint64(body[0:8])),
			MailboxID:  int32(binary.BigEndian.Uint32(body[8:12])),
			Type:       OpType(binary.BigEndian.Uint16(body[12:14])),
			SubmitTime: int64(binary.BigEndian.Uint64(body[14:22])),
			TxnID: TransactionID{
				Time:    int32(binary.BigEndian.Uint32(body[22:26])),
				Counter: int32(binary.BigEndian.Uint32(body[26:30])),
			},
		},
		Payload: body[frameMetaSize:],
	}
	return r, frameLenSize + len(rest), nil
}
