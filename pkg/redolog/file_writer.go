// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
)

const (
	minFsyncInterval = time.Millisecond
	maxFsyncInterval = time.Second

	// fsyncerStopLimit bounds how long Close waits for the fsync goroutine.
	fsyncerStopLimit = 30 * time.Second
)

// fsyncWaitTimeout is how long a synchronous Log waits for the background
// fsync before syncing by itself.
var fsyncWaitTimeout = 10 * time.Second

// FileConfig configures a FileLogWriter.
type FileConfig struct {
	// Path is the current log file. Rollover writes Path + ".tmp" next to it.
	Path string

	// ArchiveDir receives retired logs on rollover. If empty, retired logs
	// are deleted.
	ArchiveDir string

	// FsyncInterval is the period of the background fsync. Synchronous
	// appends wait for the next background fsync instead of syncing
	// themselves. A value <= 0 disables the background fsync and every
	// synchronous append syncs inline. Positive values are clamped to
	// [1ms, 1s].
	FsyncInterval time.Duration

	// SyncSameMailboxInline makes a synchronous append sync inline, rather
	// than wait for the background fsync, when the previous append was for
	// the same mailbox. Single-mailbox bursts (an import, say) then don't
	// pay the batching delay on every record.
	SyncSameMailboxInline bool

	// ServerID is written into the header of every log.
	ServerID string

	// InitialSequence is the sequence of the first log of a series, used
	// when there is neither an existing log nor an archive to continue from.
	InitialSequence int64

	// HaltOnFailure kills the process when an fsync fails or a rollover
	// can't rename or delete a log, as continuing could lose data silently.
	HaltOnFailure bool
}

// DefaultFileConfig includes default configuration parameters.
var DefaultFileConfig = FileConfig{
	Path:                  "redolog/redo.log",
	ArchiveDir:            "redolog/archive",
	FsyncInterval:         10 * time.Millisecond,
	SyncSameMailboxInline: true,
	InitialSequence:       1,
	HaltOnFailure:         true,
}

// FileLogWriter is a LogWriter backed by a single local file: a HeaderSize
// header followed by framed records.
//
// Appends are written straight to the file under a lock; making them
// durable is separate. With a positive FsyncInterval a background goroutine
// syncs the file periodically and wakes every synchronous append the sync
// covered, so one physical fsync serves many concurrent writers.
type FileLogWriter struct {
	cfg      FileConfig
	interval time.Duration // 0 if there is no background fsync

	// Appends hold rollLock for reading while they write; Rollover and Close
	// hold it for writing.
	rollLock sync.RWMutex

	// fsyncLock serializes fsyncs, and keeps the file from being closed
	// under one.
	fsyncLock sync.Mutex

	lock        sync.Mutex    // guards the fields below
	f           *os.File      // nil when closed
	header      *Header       // header of the current log, kept after Close
	open        bool          // true between Open and Close
	logCount    int64         // records appended by this writer, never reset
	lastMailbox int32         // mailbox of the previous append
	haveLast    bool          // lastMailbox is valid
	lastLogTime int64         // wall clock of the previous append, in ms
	fsyncDone   chan struct{} // closed after every fsync attempt
	syncErr     error         // a failed fsync, returned by every later append
	injectedErr error         // if set, returned by fsync in place of syncing
	stopCh      chan struct{} // closed to stop the fsync goroutine
	doneCh      chan struct{} // closed by the fsync goroutine on exit

	fsynced    int64 // logCount covered by the last fsync; atomic
	fsyncCount int64 // physical fsyncs done; atomic

	commits commitQueue
}

// NewFileLogWriter returns a FileLogWriter for cfg. The log is not opened.
func NewFileLogWriter(cfg FileConfig) *FileLogWriter {
	interval := cfg.FsyncInterval
	if interval > 0 {
		if interval < minFsyncInterval {
			interval = minFsyncInterval
		} else if interval > maxFsyncInterval {
			interval = maxFsyncInterval
		}
	} else {
		interval = 0
	}
	return &FileLogWriter{cfg: cfg, interval: interval}
}

// Path returns the path of the current log file.
func (w *FileLogWriter) Path() string {
	return w.cfg.Path
}

// Open implements LogWriter.
func (w *FileLogWriter) Open() error {
	w.rollLock.Lock()
	defer w.rollLock.Unlock()
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.openLocked()
}

// openLocked opens or creates the log file. w.lock must be held.
func (w *FileLogWriter) openLocked() error {
	if w.open {
		return nil
	}

	dir := filepath.Dir(w.cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Errorf("Failed to create log dir %q: %v", dir, err)
		return WrapError("file", "open", err)
	}

	f, err := os.OpenFile(w.cfg.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		log.Errorf("Failed to open %q: %v", w.cfg.Path, err)
		return WrapError("file", "open", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return WrapError("file", "open", err)
	}

	size := fi.Size()
	if size > 0 && size < HeaderSize {
		// A crash while the log was being created.
		log.Errorf("Discarding %q, only %d bytes long", w.cfg.Path, size)
		if err = f.Truncate(0); err != nil {
			f.Close()
			return WrapError("file", "open", err)
		}
		size = 0
	}

	var h *Header
	lastLogTime := fi.ModTime().UnixMilli()
	if size == 0 {
		seq, err := w.nextSequence()
		if err != nil {
			f.Close()
			return WrapError("file", "open", err)
		}
		h = NewHeader(w.cfg.ServerID, seq, time.Now())
		lastLogTime = h.CreateTime
		log.Infof("Creating new redo log %q with sequence %d", w.cfg.Path, seq)
	} else if h, err = w.recoverLog(f, size); err != nil {
		f.Close()
		return WrapError("file", "open", err)
	}

	h.Open = true
	if err = writeHeader(f, h); err == nil {
		err = f.Sync()
	}
	if err == nil && size == 0 {
		// Make sure the new file doesn't vanish after a crash.
		err = syncDir(dir)
	}
	if err != nil {
		log.Errorf("Failed to write header of %q: %v", w.cfg.Path, err)
		f.Close()
		return WrapError("file", "open", err)
	}

	w.f = f
	w.header = h
	w.open = true
	w.haveLast = false
	w.lastLogTime = lastLogTime
	w.syncErr = nil
	w.fsyncDone = make(chan struct{})

	if w.interval > 0 {
		w.stopCh = make(chan struct{})
		w.doneCh = make(chan struct{})
		go w.fsyncLoop(w.interval, w.stopCh, w.doneCh)
	}

	log.Infof("Opened redo log %q: %s", w.cfg.Path, h)
	return nil
}

// recoverLog reads the header of an existing log and checks its records.
// An incomplete final record, left by a crash in the middle of an append,
// is cut off.
func (w *FileLogWriter) recoverLog(f *os.File, size int64) (*Header, error) {
	h, err := ReadHeader(f)
	if err != nil {
		log.Errorf("Failed to read header of %q: %v", w.cfg.Path, err)
		return nil, err
	}

	itr := newRecordIterator(f)
	n := 0
	for itr.next() {
		n++
	}
	if err = itr.error(); err != nil {
		log.Errorf("Hit corruption when opening %q after %d records: %v", w.cfg.Path, n, err)
		return nil, err
	}
	if itr.offset < size {
		log.Errorf("Truncating %q from %d to %d bytes (torn=%t)", w.cfg.Path, size, itr.offset, itr.torn)
		if err = f.Truncate(itr.offset); err != nil {
			return nil, err
		}
	}
	if h.Open {
		log.Infof("Redo log %q was not closed cleanly", w.cfg.Path)
	}
	h.FileSize = itr.offset
	log.V(2).Infof("Recovered %d records from %q", n, w.cfg.Path)
	return h, nil
}

// nextSequence picks the sequence of a brand new log: after the last log
// this writer had open, after the highest archived log, and never below
// InitialSequence.
func (w *FileLogWriter) nextSequence() (int64, error) {
	seq := w.cfg.InitialSequence
	if w.header != nil && w.header.Sequence+1 > seq {
		seq = w.header.Sequence + 1
	}
	archived, ok, err := nextArchivedSequence(w.cfg.ArchiveDir)
	if err != nil {
		return 0, err
	}
	if ok && archived > seq {
		seq = archived
	}
	return seq, nil
}

// Close implements LogWriter.
func (w *FileLogWriter) Close() error {
	w.rollLock.Lock()
	defer w.rollLock.Unlock()
	return w.close()
}

// close syncs and closes the log. w.rollLock must be held for writing.
func (w *FileLogWriter) close() error {
	w.lock.Lock()
	if !w.open {
		w.lock.Unlock()
		return nil
	}
	w.open = false
	w.lock.Unlock()

	w.stopFsyncer()

	w.fsyncLock.Lock()
	defer w.fsyncLock.Unlock()

	// Sync what's left, wake the waiters and run the pending callbacks.
	err := w.fsyncLocked()

	w.lock.Lock()
	defer w.lock.Unlock()

	w.header.Open = false
	herr := writeHeader(w.f, w.header)
	if herr == nil {
		herr = w.f.Sync()
	}
	if herr != nil {
		log.Errorf("Failed to write final header of %q: %v", w.cfg.Path, herr)
	}
	if cerr := w.f.Close(); cerr != nil && herr == nil {
		herr = cerr
	}
	w.f = nil

	if err == nil {
		err = WrapError("file", "close", herr)
	}
	log.Infof("Closed redo log %q: %s", w.cfg.Path, w.header)
	return err
}

// Log implements LogWriter.
func (w *FileLogWriter) Log(entry *Entry, payload []byte, synchronous bool) (err error) {
	op := fileOps.Start("log")
	defer op.EndWithError(&err)

	rec := Record{Entry: *entry, Payload: payload}
	if rec.SubmitTime == 0 {
		rec.SubmitTime = time.Now().UnixMilli()
	}
	buf, err := serializeRecord(&rec)
	if err != nil {
		return WrapError("file", "log", err)
	}

	w.rollLock.RLock()
	w.lock.Lock()
	if !w.open {
		w.lock.Unlock()
		w.rollLock.RUnlock()
		return ErrLogClosed
	}
	if w.syncErr != nil {
		err = w.syncErr
		w.lock.Unlock()
		w.rollLock.RUnlock()
		return err
	}

	if err = w.appendLocked(buf, entry.Timestamp); err != nil {
		w.lock.Unlock()
		w.rollLock.RUnlock()
		log.Errorf("Failed to append to %q: %v", w.cfg.Path, err)
		return WrapError("file", "log", err)
	}

	w.logCount++
	myCount := w.logCount
	sameMailbox := w.haveLast && w.lastMailbox == entry.MailboxID
	w.lastMailbox, w.haveLast = entry.MailboxID, true
	w.lastLogTime = time.Now().UnixMilli()

	var overflow *commitNotification
	if entry.IsCommit() {
		n := commitNotification{
			id:       CommitID{Sequence: w.header.Sequence, TxnID: entry.TxnID, Timestamp: entry.Timestamp},
			callback: entry.Callback,
		}
		if !w.commits.push(n) {
			overflow = &n
		}
	}
	done := w.fsyncDone
	w.lock.Unlock()
	w.rollLock.RUnlock()

	if overflow != nil {
		if err = w.pushAfterFlush(*overflow); err != nil {
			return err
		}
	}

	if !synchronous {
		return nil
	}
	if w.interval <= 0 || (sameMailbox && w.cfg.SyncSameMailboxInline) {
		return w.fsync()
	}
	return w.waitForFsync(myCount, done)
}

// appendLocked writes one framed record at the end of the log and updates
// the header. w.lock must be held.
func (w *FileLogWriter) appendLocked(buf []byte, tstamp int64) error {
	n, err := w.f.WriteAt(buf, w.header.FileSize)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		// Drop whatever part of the record made it, so a later append
		// doesn't land after garbage.
		if terr := w.f.Truncate(w.header.FileSize); terr != nil {
			log.Errorf("Failed to truncate %q after a failed append: %v", w.cfg.Path, terr)
		}
		return err
	}
	first := w.header.FileSize == HeaderSize
	w.header.FileSize += int64(len(buf))

	if w.header.Observe(tstamp, first) {
		return writeHeader(w.f, w.header)
	}
	return nil
}

// pushAfterFlush queues a commit notification that didn't fit: the queue is
// flushed first, so no callback is ever dropped.
func (w *FileLogWriter) pushAfterFlush(n commitNotification) error {
	for {
		if err := w.fsync(); err != nil {
			return err
		}
		w.lock.Lock()
		if !w.open {
			// Close already made the record durable.
			w.lock.Unlock()
			invokeCallback(n)
			return nil
		}
		ok := w.commits.push(n)
		w.lock.Unlock()
		if ok {
			return nil
		}
	}
}

// waitForFsync blocks until an fsync covers the append numbered myCount.
// If none does within fsyncWaitTimeout it syncs by itself.
func (w *FileLogWriter) waitForFsync(myCount int64, done chan struct{}) error {
	timer := time.NewTimer(fsyncWaitTimeout)
	defer timer.Stop()
	for {
		if atomic.LoadInt64(&w.fsynced) >= myCount {
			return nil
		}
		select {
		case <-done:
			w.lock.Lock()
			done = w.fsyncDone
			err := w.syncErr
			w.lock.Unlock()
			if err != nil {
				return err
			}
		case <-timer.C:
			log.Warningf("No fsync of %q within %v, syncing inline", w.cfg.Path, fsyncWaitTimeout)
			return w.fsync()
		}
	}
}

// Flush implements LogWriter.
func (w *FileLogWriter) Flush() error {
	w.lock.Lock()
	open := w.open
	w.lock.Unlock()
	if !open {
		return ErrLogClosed
	}
	return w.fsync()
}

// fsync makes every record appended so far durable, wakes the appends
// waiting for it and runs the commit callbacks it covers.
func (w *FileLogWriter) fsync() error {
	w.fsyncLock.Lock()
	defer w.fsyncLock.Unlock()
	return w.fsyncLocked()
}

// fsyncLocked is fsync for callers holding w.fsyncLock.
func (w *FileLogWriter) fsyncLocked() error {
	// Take the callbacks together with the target, so every one of them
	// belongs to a record this sync covers.
	w.lock.Lock()
	f := w.f
	target := w.logCount
	pending := w.commits.drain()
	injected := w.injectedErr
	w.lock.Unlock()

	var err error
	if f != nil && target > atomic.LoadInt64(&w.fsynced) {
		op := fileOps.Start("fsync")
		if injected != nil {
			err = injected
		} else {
			err = f.Sync()
		}
		if err != nil {
			op.Failed()
		} else {
			atomic.StoreInt64(&w.fsynced, target)
			atomic.AddInt64(&w.fsyncCount, 1)
		}
		op.End()
	}

	w.lock.Lock()
	if err != nil {
		err = WrapError("file", "fsync", err)
		w.syncErr = err
	}
	close(w.fsyncDone)
	w.fsyncDone = make(chan struct{})
	w.lock.Unlock()

	if err != nil {
		if w.cfg.HaltOnFailure {
			log.Fatalf("Failed to fsync %q: %v", w.cfg.Path, err)
		}
		log.Errorf("Failed to fsync %q, %d commit callbacks will not run: %v", w.cfg.Path, len(pending), err)
		return err
	}

	notifyCommits(pending)
	return nil
}

// fsyncLoop is the background fsync goroutine.
func (w *FileLogWriter) fsyncLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log.V(2).Infof("Started fsync loop for %q every %v", w.cfg.Path, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		// Errors are logged, and kept for the next append, by fsync.
		w.fsync()
	}
}

// stopFsyncer stops the fsync goroutine and waits for it to exit.
func (w *FileLogWriter) stopFsyncer() {
	w.lock.Lock()
	stop, done := w.stopCh, w.doneCh
	w.stopCh, w.doneCh = nil, nil
	w.lock.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	start := time.Now()
	for {
		select {
		case <-done:
			return
		case <-time.After(time.Second):
		}
		waited := time.Since(start)
		if waited >= fsyncerStopLimit {
			log.Errorf("Fsync loop for %q didn't stop within %v, giving up on it", w.cfg.Path, waited)
			return
		}
		log.Infof("Waiting for fsync loop of %q to stop (%v so far)", w.cfg.Path, waited.Round(time.Second))
	}
}

// Rollover implements LogWriter. The current log is closed, a new log with
// the next sequence number is written with the active records, the old log
// is archived (or deleted, if there is no ArchiveDir), and the new log
// becomes the current one.
func (w *FileLogWriter) Rollover(active []Record) (archived string, err error) {
	op := fileOps.Start("rollover")
	defer op.EndWithError(&err)

	w.rollLock.Lock()
	defer w.rollLock.Unlock()

	w.lock.Lock()
	if !w.open {
		w.lock.Unlock()
		return "", ErrLogClosed
	}
	oldSeq, created := w.header.Sequence, w.header.CreateTime
	w.lock.Unlock()

	log.Infof("Rolling over %q at sequence %d with %d active records", w.cfg.Path, oldSeq, len(active))

	if err = w.close(); err != nil {
		return "", err
	}

	tmpPath := w.cfg.Path + ".tmp"
	if err = writeLogFile(tmpPath, w.cfg.ServerID, oldSeq+1, active); err != nil {
		log.Errorf("Failed to write %q for rollover: %v", tmpPath, err)
		return "", w.rolloverFailed("write new log", err)
	}

	if w.cfg.ArchiveDir == "" {
		if err = os.Remove(w.cfg.Path); err != nil {
			log.Errorf("Failed to delete %q on rollover: %v", w.cfg.Path, err)
			return "", w.rolloverFailed("delete old log", err)
		}
		log.Infof("Deleted %q (sequence %d)", w.cfg.Path, oldSeq)
	} else {
		if err = os.MkdirAll(w.cfg.ArchiveDir, 0755); err != nil {
			return "", w.rolloverFailed("create archive dir", err)
		}
		archived = filepath.Join(w.cfg.ArchiveDir, ArchiveName(oldSeq, created))
		if err = os.Rename(w.cfg.Path, archived); err != nil {
			log.Errorf("Failed to archive %q as %q: %v", w.cfg.Path, archived, err)
			return "", w.rolloverFailed("archive old log", err)
		}
		if err = syncDir(w.cfg.ArchiveDir); err != nil {
			return "", w.rolloverFailed("archive old log", err)
		}
		log.Infof("Archived %q as %q", w.cfg.Path, archived)
	}

	if err = os.Rename(tmpPath, w.cfg.Path); err != nil {
		log.Errorf("Failed to rename %q to %q: %v", tmpPath, w.cfg.Path, err)
		return "", w.rolloverFailed("install new log", err)
	}
	if err = syncDir(filepath.Dir(w.cfg.Path)); err != nil {
		return "", w.rolloverFailed("install new log", err)
	}

	w.lock.Lock()
	err = w.openLocked()
	w.lock.Unlock()
	if err != nil {
		return "", err
	}
	return archived, nil
}

// rolloverFailed reports a rollover step that left the log series in an
// inconsistent state.
func (w *FileLogWriter) rolloverFailed(step string, err error) error {
	if w.cfg.HaltOnFailure {
		log.Fatalf("Rollover of %q failed to %s: %v", w.cfg.Path, step, err)
	}
	return WrapError("file", "rollover: "+step, err)
}

// writeLogFile writes a complete, closed log with the given records.
func writeLogFile(path, serverID string, seq int64, recs []Record) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	h := NewHeader(serverID, seq, time.Now())
	h.Open = true
	if err = writeHeader(f, h); err != nil {
		f.Close()
		return err
	}
	for i := range recs {
		r := recs[i]
		r.Callback = nil
		buf, err := serializeRecord(&r)
		if err == nil {
			_, err = f.WriteAt(buf, h.FileSize)
		}
		if err != nil {
			f.Close()
			return err
		}
		h.Observe(r.Timestamp, h.FileSize == HeaderSize)
		h.FileSize += int64(len(buf))
	}
	h.Open = false
	if err = writeHeader(f, h); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Delete implements LogWriter.
func (w *FileLogWriter) Delete() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.open {
		return ErrLogOpen
	}
	if err := os.Remove(w.cfg.Path); err != nil && !os.IsNotExist(err) {
		log.Errorf("Failed to delete %q: %v", w.cfg.Path, err)
		return WrapError("file", "delete", err)
	}
	log.Infof("Deleted redo log %q", w.cfg.Path)
	return WrapError("file", "delete", syncDir(filepath.Dir(w.cfg.Path)))
}

// Size implements LogWriter.
func (w *FileLogWriter) Size() (int64, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return 0, ErrLogClosed
	}
	return w.header.FileSize, nil
}

// IsEmpty implements LogWriter.
func (w *FileLogWriter) IsEmpty() (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return false, ErrLogClosed
	}
	return w.header.FileSize <= HeaderSize, nil
}

// CreateTime implements LogWriter.
func (w *FileLogWriter) CreateTime() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return 0
	}
	return w.header.CreateTime
}

// LastLogTime implements LogWriter.
func (w *FileLogWriter) LastLogTime() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.lastLogTime
}

// Sequence implements LogWriter.
func (w *FileLogWriter) Sequence() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return 0
	}
	return w.header.Sequence
}

// Header returns a copy of the current header, or nil if the log was never
// opened.
func (w *FileLogWriter) Header() *Header {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.header == nil {
		return nil
	}
	h := *w.header
	return &h
}

// FsyncCount returns how many physical fsyncs this writer has done.
func (w *FileLogWriter) FsyncCount() int64 {
	return atomic.LoadInt64(&w.fsyncCount)
}

// PendingCommits returns how many commit callbacks are waiting for an fsync.
func (w *FileLogWriter) PendingCommits() int {
	return w.commits.size()
}

// InjectSyncError makes every fsync fail with err until it is called again
// with nil. For failure testing.
func (w *FileLogWriter) InjectSyncError(err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err != nil {
		log.Infof("Injecting fsync error on %q: %v", w.cfg.Path, err)
	}
	w.injectedErr = err
}
