// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package metrics

import (
	"errors"
	"strings"
	"testing"
)

var testOps = NewOpMetric("redolog_test_ops", "op")

func TestOpMetricCounts(t *testing.T) {
	testOps.Start("append").End()

	func() (err error) {
		m := testOps.Start("append")
		defer m.EndWithError(&err)
		return errors.New("disk full")
	}()

	m := testOps.Start("append")
	m.Dropped()
	m.End()

	if n := testOps.Count("all", "append"); n != 3 {
		t.Errorf("Expected 3 started ops, got %d", n)
	}
	if n := testOps.Count("failed", "append"); n != 1 {
		t.Errorf("Expected 1 failed op, got %d", n)
	}
	if n := testOps.Count("dropped", "append"); n != 1 {
		t.Errorf("Expected 1 dropped op, got %d", n)
	}
}

func TestOpMetricString(t *testing.T) {
	testOps.Start("fsync").End()
	pending := testOps.Start("fsync")

	s := testOps.Strings("fsync")["fsync"]
	if !strings.HasPrefix(s, "Total count=1;") {
		t.Errorf("Only the finished op should have a latency: %q", s)
	}
	if !strings.Contains(s, "0 failed / 0 dropped / 1 pending") {
		t.Errorf("Unexpected summary %q", s)
	}
	pending.End()
}
