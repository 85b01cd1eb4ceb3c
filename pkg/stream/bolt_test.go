// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	test "github.com/westerndigitalcorporation/redolog/pkg/testutil"
)

func openTestBolt(t *testing.T) *Bolt {
	s, err := OpenBolt(filepath.Join(test.MakeTempDir(t, "stream"), "stream.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	return s
}

func TestBoltGroupRead(t *testing.T) {
	s := openTestBolt(t)
	defer s.Close()
	testGroupRead(t, s)
}

func TestBoltBlockingRead(t *testing.T) {
	s := openTestBolt(t)
	defer s.Close()
	testBlockingRead(t, s)
}

func TestBoltCloseUnblocksReaders(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()
	s.CreateGroup(ctx, "log", "g")

	errc := make(chan error, 1)
	go func() {
		_, err := s.ReadGroup(ctx, "log", "g", "c", 10, time.Minute)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if err != ErrClosed {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close didn't unblock the reader")
	}
}

func TestBoltPersistence(t *testing.T) {
	path := filepath.Join(test.MakeTempDir(t, "stream"), "stream.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	s.CreateGroup(ctx, "log", "g")
	s.Add(ctx, "log", map[string]string{"a": "1"})
	s.Add(ctx, "log", map[string]string{"a": "2"})
	s.ReadGroup(ctx, "log", "g", "c", 1, 0)
	s.Close()

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	msgs, err := s.ReadGroup(ctx, "log", "g", "c", 10, 0)
	if err != nil || len(msgs) != 1 || msgs[0].Fields["a"] != "2" {
		t.Errorf("The group cursor should survive a reopen, got %v, %v", msgs, err)
	}
}
