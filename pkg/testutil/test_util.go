// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package testutil has helpers for tests. Put temporary files under
// TempDir() (or a directory made in it with MakeTempDir), and call TestMain
// from a main_test.go in your package so they are removed after a
// successful run:
/*

package mypkg

import (
	"testing"

	test "github.com/westerndigitalcorporation/redolog/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}

*/
package testutil

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var tempDir, createdBase string

// TempDir gets a temp directory that's exclusive to this process (but not to
// the tests within it).
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = os.MkdirTemp(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("Couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// MakeTempDir creates a directory under TempDir() for a single test.
func MakeTempDir(t *testing.T, prefix string) string {
	dir, err := os.MkdirTemp(TempDir(), prefix)
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	return dir
}

// Get a base temp dir. Create one if it doesn't exist.
func getBase() string {
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("could not get the current dir: %s", err)
	}
	// "*.test" is in .gitignore.
	base := time.Now().Format("20060102.150405.test")
	tmp := filepath.Join(wd, base)
	if err := os.Mkdir(tmp, 0755); err != nil && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// WaitFor polls cond until it returns true, failing the test if that takes
// longer than timeout.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestMain should be called from your package TestMain to ensure that the
// process temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}
