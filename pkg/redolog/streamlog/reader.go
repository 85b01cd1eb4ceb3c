// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package streamlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
	"github.com/westerndigitalcorporation/redolog/internal/metrics"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/retry"
	"github.com/westerndigitalcorporation/redolog/pkg/stream"
)

var readerOps = metrics.NewOpMetric("redolog_reader_ops", "op")

// Results of "apply" besides the OpMetric ones. Undecodable records are
// "dropped"; records the applier failed on are acked too, but counted apart.
const (
	resultApplyFailed = "apply_failed"
	resultDuplicate   = "duplicate"
)

// ReaderOpStrings summarizes ReaderService operation latencies for status
// pages.
func ReaderOpStrings() map[string]string {
	return readerOps.Strings("read", "apply", "ack")
}

// Applier applies a record read from the log. replay is always true for
// records coming from a ReaderService, so the applier can suppress side
// effects of records it has seen before.
type Applier interface {
	Apply(ctx context.Context, rec redolog.Record, replay bool) error
}

// ApplierFunc adapts a function to an Applier.
type ApplierFunc func(ctx context.Context, rec redolog.Record, replay bool) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, rec redolog.Record, replay bool) error {
	return f(ctx, rec, replay)
}

// ReaderConfig configures a ReaderService.
type ReaderConfig struct {
	// Stream, Group and Partitions must match the writers'.
	Stream     string
	Group      string
	Partitions int

	// Consumer identifies this process within the group. It defaults to
	// "<hostname>-<pid>".
	Consumer string

	// BatchSize is the most records read from a partition at once.
	BatchSize int

	// BlockTimeout bounds each blocking read.
	BlockTimeout time.Duration

	// DedupSize is the number of recently applied message ids remembered
	// per partition. A redelivered id among them is skipped.
	DedupSize int

	// StopTimeout bounds how long Stop waits for the partition readers.
	StopTimeout time.Duration

	// GroupRetry is the backoff for creating the consumer groups.
	GroupRetry retry.Retrier
}

// DefaultReaderConfig includes default configuration parameters.
var DefaultReaderConfig = ReaderConfig{
	Stream:       DefaultWriterConfig.Stream,
	Group:        DefaultWriterConfig.Group,
	Partitions:   1,
	BatchSize:    100,
	BlockTimeout: 2 * time.Second,
	DedupSize:    10000,
	StopTimeout:  30 * time.Second,
	GroupRetry:   DefaultWriterConfig.GroupRetry,
}

// ReaderStats counts what a ReaderService has done.
type ReaderStats struct {
	Applied     int64 // records applied without error
	ApplyErrors int64 // records the applier failed on
	Dropped     int64 // undecodable records, acked without applying
	Duplicates  int64 // redelivered records skipped
	AckErrors   int64 // failed ack-and-deletes
}

// ReaderService reads every partition of the log through the consumer
// group, one goroutine per partition, and applies the records in stream
// order. A record is acked and deleted in one step right after it's
// applied.
type ReaderService struct {
	s       stream.Stream
	applier Applier
	cfg     ReaderConfig

	lock   sync.Mutex
	cancel context.CancelFunc // nil when not running
	done   chan struct{}      // closed when every partition reader exits

	stats ReaderStats // updated atomically
}

// NewReaderService returns a ReaderService. Call Start to run it.
func NewReaderService(s stream.Stream, applier Applier, cfg ReaderConfig) *ReaderService {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultReaderConfig.BlockTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultReaderConfig.StopTimeout
	}
	if cfg.DedupSize < 1 {
		cfg.DedupSize = DefaultReaderConfig.DedupSize
	}
	if cfg.GroupRetry.MinSleep <= 0 {
		cfg.GroupRetry = DefaultReaderConfig.GroupRetry
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &ReaderService{s: s, applier: applier, cfg: cfg}
}

// Consumer returns the consumer name this service reads as.
func (r *ReaderService) Consumer() string {
	return r.cfg.Consumer
}

// Start creates the consumer groups, if needed, and starts a reader per
// partition.
func (r *ReaderService) Start(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.cancel != nil {
		return errors.New("reader service is already running")
	}

	if err := createGroups(ctx, r.s, r.cfg.Stream, r.cfg.Group, r.cfg.Partitions, r.cfg.GroupRetry); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for p := 0; p < r.cfg.Partitions; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			r.runPartition(ctx, p)
		}(p)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	r.cancel, r.done = cancel, done
	log.Infof("Started reading %s as %s/%s on %d partitions", r.cfg.Stream, r.cfg.Group, r.cfg.Consumer, r.cfg.Partitions)
	return nil
}

// Stop stops the partition readers and waits for them to exit, for at most
// StopTimeout. It's safe to call when the service isn't running.
func (r *ReaderService) Stop() error {
	r.lock.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.lock.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	start := time.Now()
	for {
		select {
		case <-done:
			log.Infof("Stopped reading %s", r.cfg.Stream)
			return nil
		case <-time.After(time.Second):
		}
		waited := time.Since(start)
		if waited >= r.cfg.StopTimeout {
			log.Errorf("Readers of %s didn't stop within %v", r.cfg.Stream, waited)
			return fmt.Errorf("readers of %s didn't stop within %v", r.cfg.Stream, waited)
		}
		log.Infof("Waiting for readers of %s to stop (%v so far)", r.cfg.Stream, waited.Round(time.Second))
	}
}

// Stats returns a snapshot of the counters.
func (r *ReaderService) Stats() ReaderStats {
	return ReaderStats{
		Applied:     atomic.LoadInt64(&r.stats.Applied),
		ApplyErrors: atomic.LoadInt64(&r.stats.ApplyErrors),
		Dropped:     atomic.LoadInt64(&r.stats.Dropped),
		Duplicates:  atomic.LoadInt64(&r.stats.Duplicates),
		AckErrors:   atomic.LoadInt64(&r.stats.AckErrors),
	}
}

// partitionReader is the state of one partition's reader goroutine.
type partitionReader struct {
	r    *ReaderService
	name string
	seen *lru.Cache // MessageID -> struct{}, not safe for concurrent use
}

func (r *ReaderService) runPartition(ctx context.Context, p int) {
	pr := &partitionReader{
		r:    r,
		name: PartitionStream(r.cfg.Stream, p, r.cfg.Partitions),
		seen: lru.New(r.cfg.DedupSize),
	}
	log.V(1).Infof("Reading partition %s", pr.name)

	for ctx.Err() == nil {
		op := readerOps.Start("read")
		msgs, err := r.s.ReadGroup(ctx, pr.name, r.cfg.Group, r.cfg.Consumer, r.cfg.BatchSize, r.cfg.BlockTimeout)
		if err != nil {
			op.Failed()
			op.End()
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return
			}
			// The client reconnects by itself; don't spin while it does.
			log.Errorf("Read from %s failed: %v", pr.name, err)
			select {
			case <-time.After(r.cfg.BlockTimeout):
			case <-ctx.Done():
				return
			}
			continue
		}
		op.End()
		pr.process(ctx, msgs)
	}
}

// process applies one batch in stream order.
func (pr *partitionReader) process(ctx context.Context, msgs []stream.Message) {
	if len(msgs) > 1 {
		// A group read doesn't promise its batch is in publication order.
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID.Less(msgs[j].ID) })
	}
	for _, m := range msgs {
		pr.handle(ctx, m)
	}
}

func (pr *partitionReader) handle(ctx context.Context, m stream.Message) {
	r := pr.r
	if _, ok := pr.seen.Get(m.ID); ok {
		// Applied and acked already.
		op := readerOps.Start("apply")
		op.Result(resultDuplicate)
		op.End()
		atomic.AddInt64(&r.stats.Duplicates, 1)
		log.V(1).Infof("Skipping redelivered %s on %s", m.ID, pr.name)
		return
	}

	rec, err := decodeRecord(m.Fields)
	if err != nil {
		op := readerOps.Start("apply")
		op.Dropped()
		op.End()
		atomic.AddInt64(&r.stats.Dropped, 1)
		log.Errorf("Dropping undecodable record %s on %s: %v", m.ID, pr.name, err)
		pr.ackDelete(ctx, m.ID)
		return
	}

	op := readerOps.Start("apply")
	err = r.applier.Apply(ctx, rec, true)
	if err != nil {
		op.Result(resultApplyFailed)
	}
	op.End()
	if err != nil {
		// Acked anyway: retrying a record that fails to apply would stall
		// the partition.
		atomic.AddInt64(&r.stats.ApplyErrors, 1)
		log.Errorf("Failed to apply %s (%s, mailbox %d) from %s: %v", m.ID, rec.TxnID, rec.MailboxID, pr.name, err)
	} else {
		atomic.AddInt64(&r.stats.Applied, 1)
		log.V(2).Infof("Applied %s (%s, mailbox %d) from %s", m.ID, rec.TxnID, rec.MailboxID, pr.name)
	}
	pr.ackDelete(ctx, m.ID)
	pr.seen.Add(m.ID, struct{}{})
}

func (pr *partitionReader) ackDelete(ctx context.Context, id stream.MessageID) {
	r := pr.r
	op := readerOps.Start("ack")
	// Ack even while stopping, so an applied record isn't left pending.
	_, err := r.s.AckDelete(context.WithoutCancel(ctx), pr.name, r.cfg.Group, id)
	op.EndWithError(&err)
	if err != nil {
		atomic.AddInt64(&r.stats.AckErrors, 1)
		log.Errorf("Failed to ack and delete %s on %s: %v", id, pr.name, err)
	}
}
