// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package redolog is the write-ahead redo log of the mailbox store. Every
// mailbox-mutating operation is serialized by the caller and appended to a
// LogWriter before (or while) it is applied, so the store can be replayed to
// a consistent state after a crash and the same ordered stream can be shipped
// to other processes.
//
// The log never interprets an operation's payload. It only looks at the
// routing and ordering metadata carried in an Entry.
//
// Three backends implement LogWriter: FileLogWriter in this package (local
// file, batched fsync, rollover), dblog.Writer (a sqlite table) and
// streamlog.Writer (a partitioned, consumer-group stream).
package redolog

import "fmt"

// LogWriter is the contract every redo log backend obeys.
//
// Within one writer, records are durable in the order Log was called.
type LogWriter interface {
	// Open acquires the resource backing the log and restores the header if
	// the log already has content. Calling Open on an open log is a no-op.
	Open() error

	// Close writes a final header marking the log closed and releases the
	// backing resource. Calling Close on a closed log is a no-op.
	Close() error

	// Log appends payload as a new record described by entry. When
	// synchronous is true the call returns only once the record is durable
	// under the backend's durability model. Returns ErrLogClosed if the log is
	// not open.
	Log(entry *Entry, payload []byte, synchronous bool) error

	// Flush makes any buffered records durable.
	Flush() error

	// Size returns the size of the log in bytes.
	Size() (int64, error)

	// IsEmpty returns true if no record has been written to the log.
	IsEmpty() (bool, error)

	// CreateTime returns when the current log was created, in milliseconds
	// since the epoch.
	CreateTime() int64

	// LastLogTime returns the wall clock time of the last append, in
	// milliseconds since the epoch.
	LastLogTime() int64

	// Sequence returns the sequence number of the current physical log.
	// Backends that are not file-sequenced return 0.
	Sequence() int64

	// Rollover retires the current physical log and starts a fresh one that
	// contains the given still-active records, in order. It returns the path
	// the retired log was archived to, or "" if it was deleted or the backend
	// has nothing to roll over.
	Rollover(active []Record) (string, error)

	// Delete irreversibly destroys the backing log. The log must be closed.
	Delete() error
}

// OpType tags the kind of operation a record carries. The log itself only
// distinguishes commit records; every other value is opaque.
type OpType uint16

// Operation types the log knows about. Callers are free to use any other
// value for their own operations.
const (
	OpUnknown    OpType = 0
	OpCheckpoint OpType = 1
	OpCommitTxn  OpType = 2
	OpAbortTxn   OpType = 3
	OpRollover   OpType = 4
)

func (t OpType) String() string {
	switch t {
	case OpUnknown:
		return "Unknown"
	case OpCheckpoint:
		return "Checkpoint"
	case OpCommitTxn:
		return "CommitTxn"
	case OpAbortTxn:
		return "AbortTxn"
	case OpRollover:
		return "Rollover"
	}
	return fmt.Sprintf("Op(%d)", uint16(t))
}

// CommitCallback is invoked once a commit record is known to be durable.
type CommitCallback func(CommitID)

// Entry is the routing and ordering metadata of one operation.
type Entry struct {
	// Timestamp is the logical time of the operation, in milliseconds.
	Timestamp int64

	// MailboxID is the mailbox the operation mutates.
	MailboxID int32

	// Type is the operation type.
	Type OpType

	// TxnID correlates the record with the transaction that produced it.
	TxnID TransactionID

	// SubmitTime is when the operation was handed to the log, in
	// milliseconds. Zero means "now" to the backends that record it.
	SubmitTime int64

	// Callback, if set on an OpCommitTxn entry, is called with the
	// record's CommitID once the record is durable.
	Callback CommitCallback
}

// IsCommit returns true if the entry is a commit record with a callback.
func (e *Entry) IsCommit() bool {
	return e.Type == OpCommitTxn && e.Callback != nil
}

// Record is an entry together with its serialized operation.
type Record struct {
	Entry
	Payload []byte
}
