// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
)

// appendStats tracks bytes appended and append latency.
//
// Does its own locking.
type appendStats struct {
	start time.Time

	lock    sync.Mutex       // Protect below.
	ops     int64            // How many appends succeeded.
	errors  int64            // How many appends failed.
	bytes   int64            // Payload bytes appended.
	lat     *quantile.Stream // Append latency, in seconds.
	commits *quantile.Stream // Append-to-callback latency of commits, in seconds.
}

func newAppendStats() *appendStats {
	objectives := map[float64]float64{0.1: 0.05, 0.5: 0.05, 0.9: 0.01, 0.99: 0.001, 0.9999: 0.000001}
	return &appendStats{
		start:   time.Now(),
		lat:     quantile.NewTargeted(objectives),
		commits: quantile.NewTargeted(objectives),
	}
}

func (s *appendStats) update(n int, d time.Duration, err error) {
	s.lock.Lock()
	if err != nil {
		s.errors++
	} else {
		s.ops++
		s.bytes += int64(n)
		s.lat.Insert(d.Seconds())
	}
	s.lock.Unlock()
}

func (s *appendStats) commit(d time.Duration) {
	s.lock.Lock()
	s.commits.Insert(d.Seconds())
	s.lock.Unlock()
}

func (s *appendStats) String() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	elapsed := time.Since(s.start).Seconds()
	str := fmt.Sprintf("appends: %d ok, %d failed\n", s.ops, s.errors)
	str += fmt.Sprintf("throughput: %.1f ops/sec, %.3f MB/sec\n", float64(s.ops)/elapsed, float64(s.bytes)/(1<<20)/elapsed)
	str += "append latency:\n" + quantiles(s.lat)
	if s.commits.Count() > 0 {
		str += "commit latency:\n" + quantiles(s.commits)
	}
	return str
}

func quantiles(q *quantile.Stream) string {
	var str string
	for _, p := range []float64{0.1, 0.5, 0.9, 0.99, 0.9999} {
		str += fmt.Sprintf("  %g=%.3f ms\n", p*100, q.Query(p)*1000)
	}
	return str
}
