// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import "github.com/westerndigitalcorporation/redolog/internal/metrics"

// fileOps counts FileLogWriter operations: "log", "fsync", "rollover".
var fileOps = metrics.NewOpMetric("redolog_file_ops", "op")

// FileOpStrings summarizes FileLogWriter operation latencies for status pages.
func FileOpStrings() map[string]string {
	return fileOps.Strings("log", "fsync", "rollover")
}
