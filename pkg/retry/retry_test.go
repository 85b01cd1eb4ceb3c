// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoErrSucceeds(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 5 * time.Millisecond}
	attempts := 0
	err := r.DoErr(context.Background(), func(i int) error {
		attempts++
		if i < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil || attempts != 4 {
		t.Errorf("Expected success on the 4th attempt, got %v after %d", err, attempts)
	}
}

func TestDoErrMaxNumRetries(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 3}
	boom := errors.New("boom")
	attempts := 0
	err := r.DoErr(context.Background(), func(int) error {
		attempts++
		return boom
	})
	if err != boom || attempts != 3 {
		t.Errorf("Expected the last error after 3 attempts, got %v after %d", err, attempts)
	}
}

func TestDoErrMaxRetry(t *testing.T) {
	r := Retrier{MinSleep: 10 * time.Millisecond, MaxSleep: 10 * time.Millisecond, MaxRetry: 50 * time.Millisecond}
	start := time.Now()
	err := r.DoErr(context.Background(), func(int) error { return errors.New("no") })
	if err == nil {
		t.Fatalf("Should have given up")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("MaxRetry not honored, took %v", d)
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MinSleep: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	success, cancelled := r.Do(ctx, func(int) bool { return false })
	if success || !cancelled {
		t.Errorf("Expected cancellation, got success=%t cancelled=%t", success, cancelled)
	}
}

func TestDoSucceeds(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 5}
	success, cancelled := r.Do(context.Background(), func(i int) bool { return i == 2 })
	if !success || cancelled {
		t.Errorf("Expected success, got success=%t cancelled=%t", success, cancelled)
	}
}
