// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus helpers shared by the redo log
// backends and the daemon.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// OpMetric tracks counts and latencies for log operations (an append, an
// fsync, a rollover, a replayed record...).
//
// OpMetric creates three metric sets:
//   - A CounterVec with the given name, label "result", and any additional labels.
//     Start/End increments it with "result"="all"; Failed and Dropped increment
//     it with "result"="failed" and "result"="dropped".
//   - A SummaryVec named name + "_latency". End records a latency only if
//     Failed/Dropped was not called first.
//   - A GaugeVec named name + "_pending" with the number of in-flight ops.
//
// Suggested usage:
//
//	var fileOps = metrics.NewOpMetric("redolog_file_ops", "op")
//
//	func (w *writer) Log(...) (err error) {
//	    op := fileOps.Start("log")
//	    defer op.EndWithError(&err)
//	    ...
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric registered with the default registry.
// It panics if the name is already registered, so call it once per name.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *Measurer {
	lm := &Measurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now().UnixNano()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many times the given result was recorded.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithResult...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String returns a short human readable summary, used on status pages.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d failed / %d dropped", m.Count("failed", values...), m.Count("dropped", values...))

	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) == nil && value.Gauge != nil {
		out += fmt.Sprintf(" / %d pending", int64(*value.Gauge.Value))
	}
	return out
}

// Strings returns String for each of the given single-label keys.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// Measurer times one operation started with OpMetric.Start.
type Measurer struct {
	start  int64
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *Measurer) Failed() {
	lm.Result("failed")
}

// Dropped records that the operation gave up on its input without failing.
func (lm *Measurer) Dropped() {
	lm.Result("dropped")
}

// Result records an arbitrary result.
func (lm *Measurer) Result(result string) {
	lm.start = 0 // zero this so that End won't try to record latency
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since the Measurer was created.
func (lm *Measurer) End() {
	if lm.start != 0 {
		d := time.Duration(time.Now().UnixNano() - lm.start)
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(d.Seconds())
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError calls Failed if *err is non-nil, and always calls End. It takes
// a pointer so it can be deferred against a named return value.
func (lm *Measurer) EndWithError(err *error) {
	if err != nil && *err != nil {
		lm.Failed()
	}
	lm.End()
}

// SummaryString formats the sample count and quantiles of a Summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", *value.Summary.SampleCount)
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", *q.Quantile*100, *q.Value)
	}
	return out[:len(out)-1]
}
