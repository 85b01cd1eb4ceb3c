// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs a task until it succeeds, sleeping with randomized
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	log "github.com/golang/glog"
)

// ErrGaveUp is returned by DoErr when the retry limits are hit before the
// task succeeds and the task never returned an error to report instead.
var ErrGaveUp = errors.New("gave up retrying")

// Retrier describes a backoff policy. The zero value retries forever
// without sleeping, so set at least MinSleep.
type Retrier struct {
	// MinSleep is the first, and shortest, sleep between attempts.
	MinSleep time.Duration

	// MaxSleep caps the sleep between attempts.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, bounds the number of attempts.
	MaxNumRetries int

	// Name is used in log messages.
	Name string
}

// Task is one attempt. It receives the attempt number, starting at 0, and
// returns true when it's done.
type Task func(attempt int) (done bool)

// Do runs task until it returns true, the limits are hit, or ctx is done.
// It returns success=true if the task finished, and cancelled=true if ctx
// ended the loop.
func (r Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	err := r.DoErr(ctx, func(attempt int) error {
		if task(attempt) {
			return nil
		}
		return ErrGaveUp
	})
	return err == nil, err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// DoErr runs task until it returns nil, the limits are hit, or ctx is done.
// It returns nil on success, ctx.Err() if cancelled, and otherwise the last
// error task returned.
func (r Retrier) DoErr(ctx context.Context, task func(attempt int) error) error {
	minSleep, maxSleep := r.MinSleep, r.MaxSleep
	if maxSleep < minSleep {
		maxSleep = minSleep
	}
	backoff := minSleep
	start := time.Now()
	last := ErrGaveUp

	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries ||
			r.MaxRetry > 0 && i > 0 && time.Since(start)+backoff > r.MaxRetry {
			log.Errorf("%s: giving up after %d attempts in %v: %v", r.name(), i, time.Since(start), last)
			return last
		}
		err := task(i)
		if err == nil {
			return nil
		}
		last = err
		log.V(1).Infof("%s: attempt %d failed, retrying in %v: %v", r.name(), i, backoff, err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > maxSleep {
			backoff = maxSleep + time.Duration(float64(minSleep)*rand.Float64())
		}
	}
}

func (r Retrier) name() string {
	if r.Name == "" {
		return "retry"
	}
	return r.Name
}
