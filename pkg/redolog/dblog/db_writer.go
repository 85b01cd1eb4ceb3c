// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package dblog is a redo log kept in a sqlite table instead of a file.
//
// The log header is a single row with optype 'HEADER', rewritten on every
// change by deleting the old row first; every record is a row with optype
// 'OPERATION'. Each Log commits its own transaction, so a record is durable
// when Log returns whether or not it was synchronous.
package dblog

import (
	"database/sql"
	"sync"
	"time"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/redolog/internal/metrics"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
)

const (
	opTypeHeader    = "HEADER"
	opTypeOperation = "OPERATION"
)

var dbOps = metrics.NewOpMetric("redolog_db_ops", "op")

// OpStrings summarizes Writer operation latencies for status pages.
func OpStrings() map[string]string {
	return dbOps.Strings("log", "size", "delete")
}

// Config configures a Writer.
type Config struct {
	// Path of the sqlite database file.
	Path string

	// ServerID is written into the header row.
	ServerID string
}

// DefaultConfig includes default configuration parameters.
var DefaultConfig = Config{
	Path: "redolog/redo.db",
}

// Writer is a redolog.LogWriter backed by a sqlite table.
type Writer struct {
	cfg Config

	lock        sync.Mutex // guards everything below, and orders appends
	db          *sql.DB
	header      *redolog.Header
	lastLogTime int64
	hasOps      bool // the table held an operation when opened, or one was logged since

	// Prepared statements on the 'redolog' table.
	insertOpStmt, delHeaderStmt, insertHeaderStmt, sizeStmt, countStmt *sql.Stmt
}

var _ redolog.LogWriter = (*Writer)(nil)

// NewWriter returns a Writer for cfg. The log is not opened.
func NewWriter(cfg Config) *Writer {
	return &Writer{cfg: cfg}
}

// openDB opens the database and creates the table if needed.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_sync=FULL")
	if err != nil {
		log.Errorf("failed to open the db backed by %s: %s", path, err)
		return nil, err
	}
	// One connection, so every statement sees the same transaction state.
	db.SetMaxOpenConns(1)

	// Due to a bug in early version of sqlite, a non-integer primary key
	// can be null, so the key here is an explicit integer.
	createStmt := "CREATE TABLE IF NOT EXISTS redolog (" +
		"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
		"optype TEXT NOT NULL, " +
		"tstamp INTEGER NOT NULL DEFAULT 0, " +
		"mailbox INTEGER NOT NULL DEFAULT 0, " +
		"op INTEGER NOT NULL DEFAULT 0, " +
		"submit_time INTEGER NOT NULL DEFAULT 0, " +
		"txn_id TEXT NOT NULL DEFAULT '', " +
		"data BLOB)"
	if _, err := db.Exec(createStmt); err != nil {
		db.Close()
		log.Errorf("failed to create redolog table: %s", err)
		return nil, err
	}
	return db, nil
}

// Open implements redolog.LogWriter.
func (w *Writer) Open() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.db != nil {
		return nil
	}

	db, err := openDB(w.cfg.Path)
	if err != nil {
		return redolog.WrapError("db", "open", err)
	}
	if err = w.prepare(db); err != nil {
		db.Close()
		return redolog.WrapError("db", "open", err)
	}

	h, err := w.loadHeader(db)
	if err != nil {
		w.closeStmts()
		db.Close()
		return redolog.WrapError("db", "open", err)
	}
	if h == nil {
		h = redolog.NewHeader(w.cfg.ServerID, 0, time.Now())
		log.Infof("Creating new redo log table in %s", w.cfg.Path)
	} else if h.Open {
		log.Infof("Redo log in %s was not closed cleanly", w.cfg.Path)
	}
	h.Open = true
	// The header row is only rewritten when the op timestamps move.
	if err = w.sizeStmt.QueryRow().Scan(&h.FileSize); err != nil {
		w.closeStmts()
		db.Close()
		return redolog.WrapError("db", "open", err)
	}

	var n int64
	if err = w.countStmt.QueryRow().Scan(&n); err != nil {
		w.closeStmts()
		db.Close()
		return redolog.WrapError("db", "open", err)
	}

	w.db = db
	if err = w.writeHeader(db, h); err != nil {
		w.closeStmts()
		db.Close()
		w.db = nil
		return redolog.WrapError("db", "open", err)
	}
	w.header = h
	w.hasOps = n > 0
	w.lastLogTime = h.LastOpTstamp
	if w.lastLogTime == 0 {
		w.lastLogTime = h.CreateTime
	}
	log.Infof("Opened redo log in %s: %s", w.cfg.Path, h)
	return nil
}

// prepare creates the prepared statements on db.
func (w *Writer) prepare(db *sql.DB) (err error) {
	// Append one operation.
	if w.insertOpStmt, err = db.Prepare("INSERT INTO redolog (optype, tstamp, mailbox, op, submit_time, txn_id, data) VALUES ('" + opTypeOperation + "', ?, ?, ?, ?, ?, ?)"); err != nil {
		log.Errorf("failed to prepare insertOp statement: %s", err)
		return err
	}
	// Remove the previous header before writing a new one.
	if w.delHeaderStmt, err = db.Prepare("DELETE FROM redolog WHERE optype='" + opTypeHeader + "'"); err != nil {
		log.Errorf("failed to prepare delHeader statement: %s", err)
		return err
	}
	// Write the header.
	if w.insertHeaderStmt, err = db.Prepare("INSERT INTO redolog (optype, data) VALUES ('" + opTypeHeader + "', ?)"); err != nil {
		log.Errorf("failed to prepare insertHeader statement: %s", err)
		return err
	}
	// Total bytes of all operations.
	if w.sizeStmt, err = db.Prepare("SELECT COALESCE(SUM(LENGTH(data)), 0) FROM redolog WHERE optype='" + opTypeOperation + "'"); err != nil {
		log.Errorf("failed to prepare size statement: %s", err)
		return err
	}
	// Number of operations.
	if w.countStmt, err = db.Prepare("SELECT COUNT(*) FROM redolog WHERE optype='" + opTypeOperation + "'"); err != nil {
		log.Errorf("failed to prepare count statement: %s", err)
		return err
	}
	return nil
}

func (w *Writer) closeStmts() {
	for _, s := range []*sql.Stmt{w.insertOpStmt, w.delHeaderStmt, w.insertHeaderStmt, w.sizeStmt, w.countStmt} {
		if s != nil {
			s.Close()
		}
	}
	w.insertOpStmt, w.delHeaderStmt, w.insertHeaderStmt, w.sizeStmt, w.countStmt = nil, nil, nil, nil, nil
}

// loadHeader reads the header row, or returns nil if there is none.
func (w *Writer) loadHeader(db *sql.DB) (*redolog.Header, error) {
	var data []byte
	err := db.QueryRow("SELECT data FROM redolog WHERE optype='" + opTypeHeader + "' ORDER BY id DESC LIMIT 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		log.Errorf("failed to read header row from %s: %s", w.cfg.Path, err)
		return nil, err
	}
	h := &redolog.Header{}
	if err = h.UnmarshalBinary(data); err != nil {
		log.Errorf("bad header row in %s: %s", w.cfg.Path, err)
		return nil, err
	}
	return h, nil
}

// writeHeader replaces the header row in its own transaction.
func (w *Writer) writeHeader(db *sql.DB, h *redolog.Header) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err = w.writeHeaderTx(tx, h); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (w *Writer) writeHeaderTx(tx *sql.Tx, h *redolog.Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err = tx.Stmt(w.delHeaderStmt).Exec(); err != nil {
		log.Errorf("failed to delete header row: %s", err)
		return err
	}
	if _, err = tx.Stmt(w.insertHeaderStmt).Exec(data); err != nil {
		log.Errorf("failed to insert header row: %s", err)
		return err
	}
	return nil
}

// Close implements redolog.LogWriter.
func (w *Writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.db == nil {
		return nil
	}

	w.header.Open = false
	err := w.writeHeader(w.db, w.header)
	if err != nil {
		log.Errorf("failed to write final header to %s: %s", w.cfg.Path, err)
	}
	w.closeStmts()
	if cerr := w.db.Close(); err == nil {
		err = cerr
	}
	w.db = nil
	log.Infof("Closed redo log in %s: %s", w.cfg.Path, w.header)
	return redolog.WrapError("db", "close", err)
}

// Log implements redolog.LogWriter. The record is committed before Log
// returns, so synchronous makes no difference.
func (w *Writer) Log(entry *redolog.Entry, payload []byte, synchronous bool) (err error) {
	op := dbOps.Start("log")
	defer op.EndWithError(&err)

	submit := entry.SubmitTime
	if submit == 0 {
		submit = time.Now().UnixMilli()
	}

	w.lock.Lock()
	if w.db == nil {
		w.lock.Unlock()
		return redolog.ErrLogClosed
	}
	if err = w.appendLocked(entry, submit, payload); err != nil {
		w.lock.Unlock()
		log.Errorf("failed to append to %s: %s", w.cfg.Path, err)
		return redolog.WrapError("db", "log", err)
	}
	seq := w.header.Sequence
	w.lock.Unlock()

	if entry.IsCommit() {
		invokeCallback(entry.Callback, redolog.CommitID{Sequence: seq, TxnID: entry.TxnID, Timestamp: entry.Timestamp})
	}
	return nil
}

// appendLocked inserts the record, and the header if it changed, in one
// transaction. w.lock must be held.
func (w *Writer) appendLocked(entry *redolog.Entry, submit int64, payload []byte) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	if payload == nil {
		payload = []byte{}
	}
	_, err = tx.Stmt(w.insertOpStmt).Exec(entry.Timestamp, entry.MailboxID, int(entry.Type), submit, entry.TxnID.String(), payload)
	if err != nil {
		tx.Rollback()
		return err
	}

	h := *w.header
	h.FileSize += int64(len(payload))
	if h.Observe(entry.Timestamp, !w.hasOps) {
		if err = w.writeHeaderTx(tx, &h); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	*w.header = h
	w.hasOps = true
	w.lastLogTime = time.Now().UnixMilli()
	return nil
}

// invokeCallback runs a commit callback, logging rather than propagating a
// panic.
func invokeCallback(cb redolog.CommitCallback, id redolog.CommitID) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("commit callback for %s panicked: %v", id, r)
		}
	}()
	cb(id)
}

// Flush implements redolog.LogWriter. Every Log is already committed.
func (w *Writer) Flush() error {
	return nil
}

// Size implements redolog.LogWriter: the total size of the stored
// operations.
func (w *Writer) Size() (size int64, err error) {
	op := dbOps.Start("size")
	defer op.EndWithError(&err)

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.db == nil {
		return 0, redolog.ErrLogClosed
	}
	if err = w.sizeStmt.QueryRow().Scan(&size); err != nil {
		log.Errorf("failed to sum operation sizes in %s: %s", w.cfg.Path, err)
		return 0, redolog.WrapError("db", "size", err)
	}
	return size, nil
}

// IsEmpty implements redolog.LogWriter.
func (w *Writer) IsEmpty() (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.db == nil {
		return false, redolog.ErrLogClosed
	}
	var n int64
	if err := w.countStmt.QueryRow().Scan(&n); err != nil {
		log.Errorf("failed to count operations in %s: %s", w.cfg.Path, err)
		return false, redolog.WrapError("db", "isEmpty", err)
	}
	return n == 0, nil
}

// CreateTime implements redolog.LogWriter.
func (w *Writer) CreateTime() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return 0
	}
	return w.header.CreateTime
}

// LastLogTime implements redolog.LogWriter.
func (w *Writer) LastLogTime() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.lastLogTime
}

// Sequence implements redolog.LogWriter. The table is a single log, so
// it's always 0.
func (w *Writer) Sequence() int64 {
	return 0
}

// Header returns a copy of the header, or nil if the log was never opened.
func (w *Writer) Header() *redolog.Header {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return nil
	}
	h := *w.header
	return &h
}

// Rollover implements redolog.LogWriter. There is no physical log to
// retire, so it does nothing; use Delete to truncate the table.
func (w *Writer) Rollover(active []redolog.Record) (string, error) {
	log.V(1).Infof("Ignoring rollover of db redo log %s with %d active records", w.cfg.Path, len(active))
	return "", nil
}

// Delete implements redolog.LogWriter. It removes every operation but
// keeps the header row.
func (w *Writer) Delete() (err error) {
	op := dbOps.Start("delete")
	defer op.EndWithError(&err)

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.db != nil {
		return redolog.ErrLogOpen
	}

	db, err := openDB(w.cfg.Path)
	if err != nil {
		return redolog.WrapError("db", "delete", err)
	}
	defer db.Close()

	res, err := db.Exec("DELETE FROM redolog WHERE optype='" + opTypeOperation + "'")
	if err != nil {
		log.Errorf("failed to delete operations from %s: %s", w.cfg.Path, err)
		return redolog.WrapError("db", "delete", err)
	}
	n, _ := res.RowsAffected()
	log.Infof("Deleted %d operations from %s", n, w.cfg.Path)
	return nil
}

// Replay calls fn for every stored operation in the order they were logged.
// It stops at the first error fn returns. fn must not call into w.
func (w *Writer) Replay(fn func(redolog.Record) error) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.db == nil {
		return redolog.ErrLogClosed
	}

	rows, err := w.db.Query("SELECT tstamp, mailbox, op, submit_time, txn_id, data FROM redolog WHERE optype='" + opTypeOperation + "' ORDER BY id")
	if err != nil {
		log.Errorf("failed to select operations from %s: %s", w.cfg.Path, err)
		return redolog.WrapError("db", "replay", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r redolog.Record
		var op int
		var txn string
		if err = rows.Scan(&r.Timestamp, &r.MailboxID, &op, &r.SubmitTime, &txn, &r.Payload); err != nil {
			log.Errorf("failed to scan operation: %s", err)
			return redolog.WrapError("db", "replay", err)
		}
		r.Type = redolog.OpType(op)
		if r.TxnID, err = redolog.ParseTransactionID(txn); err != nil {
			log.Errorf("bad transaction id in %s: %s", w.cfg.Path, err)
			return redolog.WrapError("db", "replay", err)
		}
		if err = fn(r); err != nil {
			return err
		}
	}
	if err = rows.Err(); err != nil {
		log.Errorf("error in iterating through rows: %s", err)
		return redolog.WrapError("db", "replay", err)
	}
	return nil
}
