// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package redologd runs a redo log backend as a daemon: it owns the
// configured LogWriter, optionally replays the distributed log, and serves
// status, metrics, appends and failure injection over HTTP.
package redologd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/westerndigitalcorporation/redolog/pkg/failures"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/dblog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/streamlog"
	"github.com/westerndigitalcorporation/redolog/pkg/stream"
)

// SyncErrorKey is the failure service key that makes fsyncs of the file
// backend fail. Its value is the error text; null clears it.
const SyncErrorKey = "redolog_sync_error"

// Server is a running redologd.
type Server struct {
	cfg Config

	writer  redolog.LogWriter
	file    *redolog.FileLogWriter // the writer, if the backend is a file
	db      *dblog.Writer          // the writer, if the backend is a db
	stream  stream.Stream          // nil unless the config uses a stream
	reader  *streamlog.ReaderService
	replica *redolog.FileLogWriter

	failures *failures.Service
	mux      *http.ServeMux

	lock    sync.Mutex
	httpSrv *http.Server
}

// New builds a Server from cfg. Nothing is opened until Start.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerID != "" {
		cfg.File.ServerID = cfg.ServerID
		cfg.DB.ServerID = cfg.ServerID
		cfg.Replica.ServerID = cfg.ServerID
	}

	s := &Server{cfg: cfg, failures: failures.New(), mux: http.NewServeMux()}

	if cfg.usesStream() {
		st, err := openStream(cfg)
		if err != nil {
			return nil, err
		}
		s.stream = st
	}

	switch cfg.Backend {
	case BackendFile:
		s.file = redolog.NewFileLogWriter(cfg.File)
		s.writer = s.file
		s.failures.Register(SyncErrorKey, failures.ErrorHandler(s.file.InjectSyncError))
	case BackendDB:
		s.db = dblog.NewWriter(cfg.DB)
		s.writer = s.db
	case BackendStream:
		w, err := streamlog.NewWriter(ctx, s.stream, cfg.Writer)
		if err != nil {
			s.stream.Close()
			return nil, err
		}
		s.writer = w
	}

	if cfg.RunReader {
		var applier streamlog.Applier = logApplier{}
		if cfg.Replica.Path != "" {
			s.replica = redolog.NewFileLogWriter(cfg.Replica)
			applier = replicaApplier{w: s.replica}
		}
		s.reader = streamlog.NewReaderService(s.stream, applier, cfg.Reader)
	}

	s.mux.HandleFunc("/", s.statusHandler)
	s.mux.HandleFunc("/status", s.statusHandler)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/log", s.logHandler)
	s.mux.HandleFunc("/rollover", s.rolloverHandler)
	if cfg.UseFailure {
		log.Infof("enabling failure service")
		s.mux.Handle(failures.DefaultPath, s.failures)
	}
	return s, nil
}

func openStream(cfg Config) (stream.Stream, error) {
	switch cfg.StreamKind {
	case StreamBolt:
		return stream.OpenBolt(cfg.BoltPath)
	default:
		return stream.NewRedis(cfg.Redis), nil
	}
}

// Writer returns the server's LogWriter.
func (s *Server) Writer() redolog.LogWriter {
	return s.writer
}

// Failures returns the failure injection service.
func (s *Server) Failures() *failures.Service {
	return s.failures
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start opens the log, and the replica, and starts the reader.
func (s *Server) Start(ctx context.Context) error {
	if err := s.writer.Open(); err != nil {
		return err
	}
	if s.replica != nil {
		if err := s.replica.Open(); err != nil {
			s.writer.Close()
			return err
		}
	}
	if s.reader != nil {
		if err := s.reader.Start(ctx); err != nil {
			s.closeLogs()
			return err
		}
	}
	log.Infof("redologd started with the %s backend", s.cfg.Backend)
	return nil
}

// Serve serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.lock.Lock()
	s.httpSrv = &http.Server{Handler: s.mux}
	srv := s.httpSrv
	s.lock.Unlock()

	log.Infof("serving on %s", ln.Addr())
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ListenAndServe serves HTTP on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops serving, stops the reader and closes the logs and the
// stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	srv := s.httpSrv
	s.lock.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if srv != nil {
		keep(srv.Shutdown(ctx))
	}
	if s.reader != nil {
		keep(s.reader.Stop())
	}
	keep(s.closeLogs())
	if s.stream != nil {
		keep(s.stream.Close())
	}
	log.Infof("redologd stopped")
	return first
}

func (s *Server) closeLogs() error {
	err := s.writer.Close()
	if s.replica != nil {
		if rerr := s.replica.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// logHandler appends the request body to the log.
//
//	POST /log?mailbox=<id>&type=<op type>&txn=<time-counter>&sync=<bool>
func (s *Server) logHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	mbox, err := strconv.ParseInt(q.Get("mailbox"), 10, 32)
	if err != nil {
		http.Error(w, "bad mailbox: "+err.Error(), http.StatusBadRequest)
		return
	}
	op, err := strconv.ParseUint(q.Get("type"), 10, 16)
	if err != nil {
		http.Error(w, "bad type: "+err.Error(), http.StatusBadRequest)
		return
	}
	var txn redolog.TransactionID
	if t := q.Get("txn"); t != "" {
		if txn, err = redolog.ParseTransactionID(t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	synchronous := q.Get("sync") != "false"
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var commit *redolog.CommitID
	var commitLock sync.Mutex
	entry := redolog.Entry{
		Timestamp: time.Now().UnixMilli(),
		MailboxID: int32(mbox),
		Type:      redolog.OpType(op),
		TxnID:     txn,
	}
	if entry.Type == redolog.OpCommitTxn {
		entry.Callback = func(id redolog.CommitID) {
			commitLock.Lock()
			commit = &id
			commitLock.Unlock()
		}
	}
	if err = s.writer.Log(&entry, payload, synchronous); err != nil {
		log.Errorf("append for mailbox %d failed: %v", mbox, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{"sequence": s.writer.Sequence()}
	commitLock.Lock()
	if commit != nil {
		resp["commit"] = commit.String()
	}
	commitLock.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// rolloverHandler rolls the log over with no active transactions.
func (s *Server) rolloverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	archived, err := s.writer.Rollover(nil)
	if err != nil {
		log.Errorf("rollover failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"archived": archived,
		"sequence": s.writer.Sequence(),
	})
}

// logApplier logs replayed records.
type logApplier struct{}

func (logApplier) Apply(ctx context.Context, rec redolog.Record, replay bool) error {
	log.Infof("replayed %s: mailbox %d, op %s, %d bytes", rec.TxnID, rec.MailboxID, rec.Type, len(rec.Payload))
	return nil
}

// replicaApplier appends replayed records to a local log.
type replicaApplier struct {
	w redolog.LogWriter
}

func (a replicaApplier) Apply(ctx context.Context, rec redolog.Record, replay bool) error {
	e := rec.Entry
	e.Callback = nil
	if err := a.w.Log(&e, rec.Payload, true); err != nil {
		return fmt.Errorf("replica append: %w", err)
	}
	return nil
}

// logDir returns the directory the backend keeps its data in.
func (s *Server) logDir() string {
	switch {
	case s.cfg.Backend == BackendFile:
		return filepath.Dir(s.cfg.File.Path)
	case s.cfg.Backend == BackendDB:
		return filepath.Dir(s.cfg.DB.Path)
	case s.cfg.StreamKind == StreamBolt:
		return filepath.Dir(s.cfg.BoltPath)
	}
	return "."
}
