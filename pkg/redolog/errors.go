// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"errors"
	"fmt"
)

var (
	// ErrLogClosed is returned when an operation needs an open log.
	ErrLogClosed = errors.New("redo log is closed")

	// ErrLogOpen is returned by Delete on a log that is still open.
	ErrLogOpen = errors.New("redo log is open")

	// ErrBadMagic is returned when a header doesn't start with HeaderMagic.
	ErrBadMagic = errors.New("not a redo log: bad magic")

	// ErrVersionTooHigh is returned when a header was written by a newer
	// version of the log than this one knows about.
	ErrVersionTooHigh = errors.New("redo log version is too high")

	// ErrCorruptData is returned on a checksum mismatch or invalid framing.
	ErrCorruptData = errors.New("corrupt redo log data")

	// ErrRecordTooBig is returned when a payload exceeds MaxPayloadLen.
	ErrRecordTooBig = fmt.Errorf("payload too big, can be at most %d bytes", MaxPayloadLen)

	// ErrBadTransactionID is returned when a transaction id can't be parsed.
	ErrBadTransactionID = errors.New("bad transaction id")
)

// LogError wraps a lower-level failure with the backend and the method that
// hit it.
type LogError struct {
	Backend string
	Method  string
	Err     error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("%s redo log: %s: %v", e.Backend, e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *LogError) Unwrap() error {
	return e.Err
}

// WrapError returns err wrapped in a LogError, or nil if err is nil. Errors
// that are already LogErrors are returned unchanged.
func WrapError(backend, method string, err error) error {
	if err == nil {
		return nil
	}
	var le *LogError
	if errors.As(err, &le) {
		return err
	}
	return &LogError{Backend: backend, Method: method, Err: err}
}
