// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
)

// benchConfig describes one run.
type benchConfig struct {
	Workers     int  // Concurrent appenders.
	Mailboxes   int  // Mailboxes each worker cycles through.
	Ops         int  // Appends per worker.
	PayloadSize int  // Bytes per append.
	CommitEvery int  // Every Nth append of a worker is a commit; 0 for none.
	Async       bool // Append without waiting for durability.
}

// runBench drives w with cfg.Workers goroutines and returns the stats once
// every callback has run.
func runBench(w redolog.LogWriter, cfg benchConfig) *appendStats {
	stats := newAppendStats()
	payload := make([]byte, cfg.PayloadSize)

	var callbacks sync.WaitGroup
	var workers sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		workers.Add(1)
		go func(worker int) {
			defer workers.Done()
			for j := 0; j < cfg.Ops; j++ {
				e := redolog.Entry{
					Timestamp: time.Now().UnixMilli(),
					MailboxID: int32(worker*cfg.Mailboxes + j%cfg.Mailboxes),
					Type:      redolog.OpType(5),
					TxnID:     redolog.TransactionID{Time: int32(time.Now().Unix()), Counter: int32(worker<<20 | j)},
				}
				start := time.Now()
				if cfg.CommitEvery > 0 && (j+1)%cfg.CommitEvery == 0 {
					e.Type = redolog.OpCommitTxn
					callbacks.Add(1)
					e.Callback = func(redolog.CommitID) {
						stats.commit(time.Since(start))
						callbacks.Done()
					}
				}
				err := w.Log(&e, payload, !cfg.Async)
				stats.update(len(payload), time.Since(start), err)
				if err != nil {
					if e.Callback != nil {
						callbacks.Done()
					}
					log.Errorf("append failed: %v", err)
				}
			}
		}(i)
	}
	workers.Wait()
	if err := w.Flush(); err != nil {
		log.Errorf("flush failed: %v", err)
	}
	callbacks.Wait()
	return stats
}
