// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/redolog/internal/redologd"
)

/*

Configuring redologd follows three steps:

  (1) Default config parameters are pulled from 'redologd.DefaultConfig'.

  (2) An optional configuration file (json, yaml or toml) given by '-config'
  overrides the defaults, and REDOLOG_* environment variables override the
  file, e.g. REDOLOG_CONSUMER_NAME.

  (3) Optional flags override each individual parameter set in the previous
  two steps, e.g., '-backend=db'.

*/

var (
	cfgFile = flag.String("config", "", "configuration file for redologd")

	addr       = flag.String("addr", "", "service address")
	serverID   = flag.String("serverID", "", "server id written into log headers")
	backend    = flag.String("backend", "", "log backend: file, db or stream")
	logPath    = flag.String("logPath", "", "path of the file backend's log")
	dbPath     = flag.String("dbPath", "", "path of the db backend's database")
	streamKind = flag.String("streamKind", "", "stream substrate: redis or bolt")
	redisAddr  = flag.String("redisAddr", "", "address of the redis server")
	runReader  = flag.Bool("runReader", false, "whether to replay the distributed log")
	replica    = flag.String("replica", "", "local log to apply replayed records to")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
)

func loadConfig() redologd.Config {
	cfg, err := redologd.LoadConfig(*cfgFile)
	if err != nil {
		log.Fatalf("failed to load the config: %s", err)
	}

	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *serverID != "" {
		cfg.ServerID = *serverID
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *logPath != "" {
		cfg.File.Path = *logPath
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *streamKind != "" {
		cfg.StreamKind = *streamKind
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *runReader {
		cfg.RunReader = true
	}
	if *replica != "" {
		cfg.Replica.Path = *replica
	}
	if *useFailure {
		cfg.UseFailure = true
	}
	return cfg
}

func main() {
	flag.Parse()
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := redologd.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create redologd: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		log.Fatalf("Failed to start redologd: %v", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-c
		log.Infof("received %s, shutting down", sig)
		sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer scancel()
		cancel()
		if err := s.Shutdown(sctx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	if err := s.ListenAndServe(); err != nil {
		log.Fatalf("ListenAndServe: %v", err)
	}
	// Serving stops first; wait for the logs to be closed.
	<-stopped
	log.Flush()
}
