// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redologd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/redolog/pkg/failures"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	test "github.com/westerndigitalcorporation/redolog/pkg/testutil"
)

func fileConfig(t *testing.T) Config {
	dir := test.MakeTempDir(t, "redologd")
	cfg := DefaultConfig
	cfg.ServerID = "mail1.example.com"
	cfg.File.Path = filepath.Join(dir, "redo.log")
	cfg.File.ArchiveDir = filepath.Join(dir, "archive")
	cfg.File.HaltOnFailure = false
	cfg.UseFailure = true
	return cfg
}

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, httptest.NewServer(s.Handler())
}

func postLog(t *testing.T, srv *httptest.Server, query, body string) (int, map[string]interface{}) {
	resp, err := http.Post(srv.URL+"/log?"+query, "application/octet-stream", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /log: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if resp.StatusCode == http.StatusOK {
		json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func getStatus(t *testing.T, srv *httptest.Server) StatusData {
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	var st StatusData
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Bad status: %v", err)
	}
	return st
}

func TestServerFileBackend(t *testing.T) {
	cfg := fileConfig(t)
	s, srv := startServer(t, cfg)
	defer srv.Close()
	defer s.Shutdown(context.Background())

	code, out := postLog(t, srv, fmt.Sprintf("mailbox=7&type=%d&txn=1500000000-1", redolog.OpCommitTxn), "op body")
	if code != http.StatusOK {
		t.Fatalf("POST /log returned %d", code)
	}
	if out["sequence"] != float64(1) {
		t.Errorf("Unexpected sequence %v", out["sequence"])
	}
	// The commit callback may still be pending when an async append returns,
	// but a synchronous one is durable before the response is written.
	if c, ok := out["commit"].(string); ok && !strings.HasPrefix(c, "1-1500000000-1-") {
		t.Errorf("Unexpected commit %v", c)
	}
	if code, _ := postLog(t, srv, "mailbox=x&type=1", ""); code != http.StatusBadRequest {
		t.Errorf("Bad mailbox should be rejected, got %d", code)
	}

	st := getStatus(t, srv)
	if st.Backend != BackendFile || st.Sequence != 1 || st.Empty || st.Size <= redolog.HeaderSize {
		t.Errorf("Unexpected status %+v", st)
	}
	if st.ServerID != cfg.ServerID {
		t.Errorf("Unexpected server id %q", st.ServerID)
	}
	if _, ok := st.Ops["file/log"]; !ok {
		t.Errorf("Status is missing file ops: %v", st.Ops)
	}

	resp, err := http.Get(srv.URL + "/")
	if err != nil || resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("HTML status failed: %v", err)
	}
	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("redolog_file_ops")) {
		t.Errorf("Metrics are missing redolog_file_ops")
	}
}

func TestServerRollover(t *testing.T) {
	cfg := fileConfig(t)
	s, srv := startServer(t, cfg)
	defer srv.Close()
	defer s.Shutdown(context.Background())

	postLog(t, srv, "mailbox=1&type=5", "a")
	resp, err := http.Post(srv.URL+"/rollover", "", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /rollover failed: %v", err)
	}
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out["sequence"] != float64(2) || out["archived"] == "" {
		t.Errorf("Unexpected rollover response %v", out)
	}
	archives, _ := redolog.ListArchives(cfg.File.ArchiveDir)
	if len(archives) != 1 {
		t.Errorf("Expected one archive, got %v", archives)
	}
}

func TestServerInjectSyncError(t *testing.T) {
	s, srv := startServer(t, fileConfig(t))
	defer srv.Close()
	defer s.Shutdown(context.Background())

	resp, err := http.Post(srv.URL+failures.DefaultPath, "application/json",
		strings.NewReader(`{"`+SyncErrorKey+`": "disk on fire"}`))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("Failed to inject: %v", err)
	}
	resp.Body.Close()

	if code, _ := postLog(t, srv, "mailbox=1&type=5&sync=true", "x"); code != http.StatusInternalServerError {
		t.Errorf("Append should fail with a failing fsync, got %d", code)
	}
}

func TestServerStreamReplica(t *testing.T) {
	dir := test.MakeTempDir(t, "redologd")
	cfg := DefaultConfig
	cfg.Backend = BackendStream
	cfg.StreamKind = StreamBolt
	cfg.BoltPath = filepath.Join(dir, "stream.db")
	cfg.Writer.Partitions = 2
	cfg.RunReader = true
	cfg.Reader.Partitions = 2
	cfg.Reader.Consumer = "test"
	cfg.Reader.BlockTimeout = 20 * time.Millisecond
	cfg.Replica = redolog.DefaultFileConfig
	cfg.Replica.Path = filepath.Join(dir, "replica.log")
	cfg.Replica.ArchiveDir = ""
	cfg.Replica.HaltOnFailure = false

	s, srv := startServer(t, cfg)
	defer srv.Close()

	const n = 10
	for i := 0; i < n; i++ {
		if code, _ := postLog(t, srv, fmt.Sprintf("mailbox=%d&type=5&txn=1-%d", i%3, i), "payload"); code != http.StatusOK {
			t.Fatalf("POST /log returned %d", code)
		}
	}
	test.WaitFor(t, 10*time.Second, "replay", func() bool {
		st := getStatus(t, srv)
		return st.Reader != nil && st.Reader.Applied == n
	})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, recs, err := redolog.ReadAll(cfg.Replica.Path)
	if err != nil || len(recs) != n {
		t.Fatalf("Replica should hold %d records, got %d, %v", n, len(recs), err)
	}
}

func TestServerListenAndServeDB(t *testing.T) {
	dir := test.MakeTempDir(t, "redologd")
	cfg := DefaultConfig
	cfg.Addr = fmt.Sprintf("localhost:%d", test.GetFreePort())
	cfg.Backend = BackendDB
	cfg.DB.Path = filepath.Join(dir, "redo.db")

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.ListenAndServe() }()

	url := "http://" + cfg.Addr
	test.WaitFor(t, 5*time.Second, "listen", func() bool {
		resp, err := http.Get(url + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})

	resp, err := http.Post(url+"/log?mailbox=3&type=5", "", strings.NewReader("db payload"))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /log failed: %v", err)
	}
	resp.Body.Close()

	if empty, _ := s.Writer().IsEmpty(); empty {
		t.Errorf("Log should not be empty")
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Errorf("ListenAndServe: %v", err)
	}
}
