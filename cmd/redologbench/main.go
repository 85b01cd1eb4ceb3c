// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// redologbench measures append throughput and latency of a redo log backend
// under concurrent writers, and how well the file backend batches fsyncs.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/dblog"
)

var (
	backend     = flag.String("backend", "file", "backend to benchmark: file or db")
	dir         = flag.String("dir", "", "directory for the log (default: a new temp dir)")
	workers     = flag.Int("workers", 16, "concurrent appenders")
	mailboxes   = flag.Int("mailboxes", 4, "mailboxes per appender")
	ops         = flag.Int("ops", 1000, "appends per appender")
	size        = flag.Int("size", 256, "payload bytes per append")
	commitEvery = flag.Int("commitEvery", 4, "every Nth append is a commit (0 for none)")
	async       = flag.Bool("async", false, "don't wait for durability")
	interval    = flag.Duration("fsyncInterval", 10*time.Millisecond, "fsync interval of the file backend (0 syncs inline)")
)

func main() {
	flag.Parse()

	d := *dir
	if d == "" {
		var err error
		if d, err = os.MkdirTemp("", "redologbench"); err != nil {
			log.Fatalf("failed to create a temp dir: %v", err)
		}
		defer os.RemoveAll(d)
	}

	var w redolog.LogWriter
	var file *redolog.FileLogWriter
	switch *backend {
	case "file":
		cfg := redolog.DefaultFileConfig
		cfg.Path = filepath.Join(d, "redo.log")
		cfg.ArchiveDir = ""
		cfg.FsyncInterval = *interval
		file = redolog.NewFileLogWriter(cfg)
		w = file
	case "db":
		w = dblog.NewWriter(dblog.Config{Path: filepath.Join(d, "redo.db")})
	default:
		log.Fatalf("unknown backend %q", *backend)
	}
	if err := w.Open(); err != nil {
		log.Fatalf("failed to open the log: %v", err)
	}

	stats := runBench(w, benchConfig{
		Workers:     *workers,
		Mailboxes:   *mailboxes,
		Ops:         *ops,
		PayloadSize: *size,
		CommitEvery: *commitEvery,
		Async:       *async,
	})
	fmt.Print(stats)
	if file != nil {
		fmt.Printf("fsyncs: %d for %d appends\n", file.FsyncCount(), *workers**ops)
	}
	if err := w.Close(); err != nil {
		log.Errorf("failed to close the log: %v", err)
	}
	log.Flush()
}
