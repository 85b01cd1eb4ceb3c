// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redologd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/dblog"
	"github.com/westerndigitalcorporation/redolog/pkg/redolog/streamlog"
	"github.com/westerndigitalcorporation/redolog/pkg/stream"
)

// Backends a daemon can log to.
const (
	BackendFile   = "file"
	BackendDB     = "db"
	BackendStream = "stream"
)

// Stream substrates.
const (
	StreamRedis = "redis"
	StreamBolt  = "bolt"
)

// Config encapsulates parameters for redologd.
type Config struct {
	// Addr is the address the status, metrics and log endpoints listen on.
	Addr string

	// ServerID identifies this server in log headers. It overrides the
	// ServerID of the backend configs if set.
	ServerID string

	// Backend is one of "file", "db" and "stream".
	Backend string

	File redolog.FileConfig
	DB   dblog.Config

	// StreamKind is the substrate of the stream backend and of the reader:
	// "redis" or "bolt".
	StreamKind string
	Redis      stream.RedisConfig
	BoltPath   string

	Writer streamlog.WriterConfig

	// RunReader runs a ReaderService over the stream, applying records to
	// Replica if it has a path and logging them otherwise.
	RunReader bool
	Reader    streamlog.ReaderConfig
	Replica   redolog.FileConfig

	// UseFailure enables the failure injection service.
	UseFailure bool

	// ShutdownTimeout bounds a graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig includes default configuration parameters.
var DefaultConfig = Config{
	Addr:            "localhost:4380",
	Backend:         BackendFile,
	File:            redolog.DefaultFileConfig,
	DB:              dblog.DefaultConfig,
	StreamKind:      StreamRedis,
	Redis:           stream.DefaultRedisConfig,
	BoltPath:        "redolog/stream.db",
	Writer:          streamlog.DefaultWriterConfig,
	Reader:          streamlog.DefaultReaderConfig,
	ShutdownTimeout: 30 * time.Second,
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if c.File.Path == "" {
			return fmt.Errorf("file backend needs a path")
		}
	case BackendDB:
		if c.DB.Path == "" {
			return fmt.Errorf("db backend needs a path")
		}
	case BackendStream:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.usesStream() {
		switch c.StreamKind {
		case StreamRedis:
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis stream needs an address")
			}
		case StreamBolt:
			if c.BoltPath == "" {
				return fmt.Errorf("bolt stream needs a path")
			}
		default:
			return fmt.Errorf("unknown stream kind %q", c.StreamKind)
		}
	}
	if c.RunReader && c.Reader.Partitions < 1 {
		return fmt.Errorf("reader needs at least one partition")
	}
	if c.RunReader && c.Backend == BackendFile && c.Replica.Path == c.File.Path {
		return fmt.Errorf("replica can't be the primary log %q", c.File.Path)
	}
	return nil
}

func (c *Config) usesStream() bool {
	return c.Backend == BackendStream || c.RunReader
}

// Environment variables that override the config. Consumer identity and
// the group come from the environment so every process of a deployment
// can share one config file.
var envBindings = map[string]string{
	"serverid":        "REDOLOG_SERVER_ID",
	"backend":         "REDOLOG_BACKEND",
	"streamkind":      "REDOLOG_STREAM_KIND",
	"redis.addr":      "REDOLOG_REDIS_ADDR",
	"redis.password":  "REDOLOG_REDIS_PASSWORD",
	"reader.consumer": "REDOLOG_CONSUMER_NAME",
	"reader.group":    "REDOLOG_GROUP",
	"writer.group":    "REDOLOG_GROUP",
	"runreader":       "REDOLOG_RUN_READER",
}

// LoadConfig returns DefaultConfig overridden by the config file at path
// (JSON, YAML or TOML; skipped if path is empty) and then by REDOLOG_*
// environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig

	v := viper.New()
	v.SetEnvPrefix("REDOLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return cfg, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %v", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %v", err)
	}
	return cfg, nil
}
