// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redologd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	test "github.com/westerndigitalcorporation/redolog/pkg/testutil"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != BackendFile || cfg.File.Path != DefaultConfig.File.Path {
		t.Errorf("Expected the default config, got %+v", cfg)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(test.MakeTempDir(t, "config"), "redologd.json")
	body := `{
		"backend": "stream",
		"streamkind": "bolt",
		"boltpath": "/tmp/stream.db",
		"file": {"fsyncinterval": "50ms"},
		"reader": {"partitions": 4, "batchsize": 7}
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REDOLOG_CONSUMER_NAME", "node7")
	t.Setenv("REDOLOG_GROUP", "replicas")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != BackendStream || cfg.StreamKind != StreamBolt || cfg.BoltPath != "/tmp/stream.db" {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.File.FsyncInterval != 50*time.Millisecond {
		t.Errorf("Expected a 50ms fsync interval, got %v", cfg.File.FsyncInterval)
	}
	if cfg.File.Path != DefaultConfig.File.Path {
		t.Errorf("Values missing from the file should keep their defaults, got %q", cfg.File.Path)
	}
	if cfg.Reader.Partitions != 4 || cfg.Reader.BatchSize != 7 {
		t.Errorf("Reader values not applied: %+v", cfg.Reader)
	}
	if cfg.Reader.Consumer != "node7" || cfg.Reader.Group != "replicas" || cfg.Writer.Group != "replicas" {
		t.Errorf("Environment not applied: consumer=%q group=%q/%q", cfg.Reader.Consumer, cfg.Reader.Group, cfg.Writer.Group)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/redologd.json"); err == nil {
		t.Errorf("Loading a missing config file should fail")
	}
}

func TestValidate(t *testing.T) {
	good := DefaultConfig
	if err := good.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}

	bad := DefaultConfig
	bad.Backend = "tape"
	if bad.Validate() == nil {
		t.Errorf("Unknown backend should be rejected")
	}

	bad = DefaultConfig
	bad.Backend = BackendStream
	bad.StreamKind = "kafka"
	if bad.Validate() == nil {
		t.Errorf("Unknown stream kind should be rejected")
	}

	bad = DefaultConfig
	bad.RunReader = true
	bad.Replica = bad.File
	if bad.Validate() == nil {
		t.Errorf("Replica on the primary log should be rejected")
	}
}
