// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package streamlog is the distributed redo log: a Writer that publishes
// records to a partitioned stream, and a ReaderService that consumes the
// partitions through a consumer group and applies the records in order.
package streamlog

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/redolog/internal/metrics"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/retry"
	"github.com/westerndigitalcorporation/redolog/pkg/stream"
)

var streamOps = metrics.NewOpMetric("redolog_stream_ops", "op")

// WriterOpStrings summarizes Writer operation latencies for status pages.
func WriterOpStrings() map[string]string {
	return streamOps.Strings("add", "create_group")
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Stream is the base name of the log's streams.
	Stream string

	// Group is the consumer group the readers share.
	Group string

	// Partitions is the number of streams the log is split into. Records
	// are routed by mailbox.
	Partitions int

	// AddTimeout bounds a single append to the stream.
	AddTimeout time.Duration

	// GroupRetry is the backoff for creating the consumer groups.
	GroupRetry retry.Retrier
}

// DefaultWriterConfig includes default configuration parameters.
var DefaultWriterConfig = WriterConfig{
	Stream:     "redolog",
	Group:      "redolog-replay",
	Partitions: 1,
	AddTimeout: 5 * time.Second,
	GroupRetry: retry.Retrier{
		Name:          "create consumer group",
		MinSleep:      100 * time.Millisecond,
		MaxSleep:      5 * time.Second,
		MaxNumRetries: 10,
	},
}

// Writer is a redolog.LogWriter that publishes every record to a stream,
// with the record's metadata in separate named fields. A record is durable
// as soon as the stream accepts it, so synchronous makes no difference.
type Writer struct {
	s   stream.Stream
	cfg WriterConfig

	lock        sync.Mutex
	open        bool
	createTime  int64
	lastLogTime int64
	size        int64 // payload bytes published since creation
}

var _ redolog.LogWriter = (*Writer)(nil)

// NewWriter returns a Writer publishing to s, after creating the consumer
// group on every partition so readers that start later see every record.
func NewWriter(ctx context.Context, s stream.Stream, cfg WriterConfig) (*Writer, error) {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.AddTimeout <= 0 {
		cfg.AddTimeout = DefaultWriterConfig.AddTimeout
	}
	if cfg.GroupRetry.MinSleep <= 0 {
		cfg.GroupRetry = DefaultWriterConfig.GroupRetry
	}
	if err := createGroups(ctx, s, cfg.Stream, cfg.Group, cfg.Partitions, cfg.GroupRetry); err != nil {
		return nil, redolog.WrapError("stream", "create group", err)
	}
	return &Writer{s: s, cfg: cfg, createTime: time.Now().UnixMilli()}, nil
}

// createGroups creates group on every partition of the log.
func createGroups(ctx context.Context, s stream.Stream, base, group string, n int, r retry.Retrier) error {
	for p := 0; p < n; p++ {
		name := PartitionStream(base, p, n)
		err := r.DoErr(ctx, func(int) (err error) {
			op := streamOps.Start("create_group")
			defer op.EndWithError(&err)
			return s.CreateGroup(ctx, name, group)
		})
		if err != nil {
			log.Errorf("Failed to create group %s on %s: %v", group, name, err)
			return err
		}
	}
	return nil
}

// Open implements redolog.LogWriter.
func (w *Writer) Open() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if !w.open {
		w.open = true
		log.Infof("Opened stream redo log %s (%d partitions)", w.cfg.Stream, w.cfg.Partitions)
	}
	return nil
}

// Close implements redolog.LogWriter. The stream itself is left open; it
// belongs to the caller.
func (w *Writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.open {
		w.open = false
		log.Infof("Closed stream redo log %s", w.cfg.Stream)
	}
	return nil
}

// Log implements redolog.LogWriter.
func (w *Writer) Log(entry *redolog.Entry, payload []byte, synchronous bool) (err error) {
	w.lock.Lock()
	open := w.open
	w.lock.Unlock()
	if !open {
		return redolog.ErrLogClosed
	}

	op := streamOps.Start("add")
	defer op.EndWithError(&err)

	submit := entry.SubmitTime
	if submit == 0 {
		submit = time.Now().UnixMilli()
	}
	name := PartitionStream(w.cfg.Stream, PartitionByMailbox(entry.MailboxID, w.cfg.Partitions), w.cfg.Partitions)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AddTimeout)
	defer cancel()
	id, err := w.s.Add(ctx, name, encodeRecord(entry, submit, payload))
	if err != nil {
		log.Errorf("Failed to publish record for mailbox %d to %s: %v", entry.MailboxID, name, err)
		return redolog.WrapError("stream", "log", err)
	}
	log.V(2).Infof("Published %s for mailbox %d as %s on %s", entry.TxnID, entry.MailboxID, id, name)

	w.lock.Lock()
	w.size += int64(len(payload))
	w.lastLogTime = time.Now().UnixMilli()
	w.lock.Unlock()

	if entry.IsCommit() {
		runCallback(entry.Callback, redolog.CommitID{TxnID: entry.TxnID, Timestamp: entry.Timestamp})
	}
	return nil
}

func runCallback(cb redolog.CommitCallback, id redolog.CommitID) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Commit callback for %s panicked: %v", id, r)
		}
	}()
	cb(id)
}

// Flush implements redolog.LogWriter. There is nothing to flush.
func (w *Writer) Flush() error {
	return nil
}

// Size implements redolog.LogWriter: the payload bytes this writer has
// published. The stream is shared, so its own size isn't this writer's.
func (w *Writer) Size() (int64, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.size, nil
}

// IsEmpty implements redolog.LogWriter: true if no partition holds a
// record, i.e. the readers have consumed everything.
func (w *Writer) IsEmpty() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AddTimeout)
	defer cancel()
	for p := 0; p < w.cfg.Partitions; p++ {
		n, err := w.s.Len(ctx, PartitionStream(w.cfg.Stream, p, w.cfg.Partitions))
		if err != nil {
			return false, redolog.WrapError("stream", "isEmpty", err)
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// CreateTime implements redolog.LogWriter.
func (w *Writer) CreateTime() int64 {
	return w.createTime
}

// LastLogTime implements redolog.LogWriter.
func (w *Writer) LastLogTime() int64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.lastLogTime
}

// Sequence implements redolog.LogWriter. Streams aren't sequenced.
func (w *Writer) Sequence() int64 {
	return 0
}

// Rollover implements redolog.LogWriter. Readers delete records as they
// apply them, so there is nothing to retire.
func (w *Writer) Rollover(active []redolog.Record) (string, error) {
	return "", nil
}

// Delete implements redolog.LogWriter. The stream is shared with other
// writers and emptied by the readers, so only the writer's own state is
// reset.
func (w *Writer) Delete() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.open {
		return redolog.ErrLogOpen
	}
	w.size = 0
	return nil
}
