// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package streamlog

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
)

// Field names of a record on the stream. Writers and readers of different
// versions share them, so they must not change.
const (
	FieldPayload    = "payload"
	FieldTimestamp  = "timestamp"
	FieldMailboxID  = "mboxid"
	FieldOpType     = "optype"
	FieldSubmitTime = "submitTime"
	FieldTxnID      = "txnId"
)

// encodeRecord returns the stream fields of a record.
func encodeRecord(entry *redolog.Entry, submit int64, payload []byte) map[string]string {
	return map[string]string{
		FieldPayload:    string(payload),
		FieldTimestamp:  strconv.FormatInt(entry.Timestamp, 10),
		FieldMailboxID:  strconv.FormatInt(int64(entry.MailboxID), 10),
		FieldOpType:     strconv.FormatUint(uint64(entry.Type), 10),
		FieldSubmitTime: strconv.FormatInt(submit, 10),
		FieldTxnID:      entry.TxnID.String(),
	}
}

// decodeRecord rebuilds a record from its stream fields.
func decodeRecord(fields map[string]string) (redolog.Record, error) {
	var r redolog.Record
	get := func(name string) (string, error) {
		v, ok := fields[name]
		if !ok {
			return "", fmt.Errorf("%w: missing field %q", redolog.ErrCorruptData, name)
		}
		return v, nil
	}

	txn, err := get(FieldTxnID)
	if err != nil {
		return r, err
	}
	if r.TxnID, err = redolog.ParseTransactionID(txn); err != nil {
		return r, err
	}

	ints := []struct {
		name string
		bits int
		set  func(int64)
	}{
		{FieldTimestamp, 64, func(v int64) { r.Timestamp = v }},
		{FieldMailboxID, 32, func(v int64) { r.MailboxID = int32(v) }},
		{FieldSubmitTime, 64, func(v int64) { r.SubmitTime = v }},
	}
	for _, f := range ints {
		s, err := get(f.name)
		if err != nil {
			return r, err
		}
		v, err := strconv.ParseInt(s, 10, f.bits)
		if err != nil {
			return r, fmt.Errorf("%w: field %q: %v", redolog.ErrCorruptData, f.name, err)
		}
		f.set(v)
	}

	s, err := get(FieldOpType)
	if err != nil {
		return r, err
	}
	op, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return r, fmt.Errorf("%w: field %q: %v", redolog.ErrCorruptData, FieldOpType, err)
	}
	r.Type = redolog.OpType(op)

	payload, err := get(FieldPayload)
	if err != nil {
		return r, err
	}
	r.Payload = []byte(payload)
	return r, nil
}

// PartitionByMailbox returns the partition, in [0, n), that records for
// the mailbox go to. All records of one mailbox go to one partition, which
// keeps them in order.
func PartitionByMailbox(mailboxID int32, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	var b [4]byte
	u := uint32(mailboxID)
	b[0], b[1], b[2], b[3] = byte(u>>24), byte(u>>16), byte(u>>8), byte(u)
	h.Write(b[:])
	return int(h.Sum32() % uint32(n))
}

// PartitionStream returns the name of the stream holding partition p of
// the log named base. A log with one partition is a single stream named
// base.
func PartitionStream(base string, p, n int) string {
	if n <= 1 {
		return base
	}
	return base + "-" + strconv.Itoa(p)
}
