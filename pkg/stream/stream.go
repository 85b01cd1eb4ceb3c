// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package stream is the substrate the distributed redo log is built on: an
// append-only, totally ordered stream of field maps with consumer groups.
//
// A consumer group is a cursor shared by every reader in the group. Each
// message is delivered to one consumer of the group, and stays pending for
// that consumer until it is acknowledged. The Redis implementation maps onto
// Redis Streams; the bolt implementation keeps the same semantics in a local
// file.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoGroup is returned when reading from a group that was never created.
	ErrNoGroup = errors.New("no such consumer group")

	// ErrClosed is returned by a Stream that has been closed.
	ErrClosed = errors.New("stream is closed")

	// ErrBadMessageID is returned when a message id can't be parsed.
	ErrBadMessageID = errors.New("bad stream message id")
)

// MessageID is the id a stream assigns to a message: the time the message
// was added in milliseconds, and a sequence number among the messages added
// in that millisecond.
type MessageID struct {
	Ms  uint64
	Seq uint64
}

// ParseMessageID parses the "<ms>-<seq>" form returned by String.
func ParseMessageID(s string) (MessageID, error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return MessageID{}, fmt.Errorf("%w: %q", ErrBadMessageID, s)
	}
	ms, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return MessageID{}, fmt.Errorf("%w: %q", ErrBadMessageID, s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return MessageID{}, fmt.Errorf("%w: %q", ErrBadMessageID, s)
	}
	return MessageID{Ms: ms, Seq: seq}, nil
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// Less orders ids by Ms, then by Seq.
func (id MessageID) Less(o MessageID) bool {
	if id.Ms != o.Ms {
		return id.Ms < o.Ms
	}
	return id.Seq < o.Seq
}

// IsZero returns true for the zero MessageID.
func (id MessageID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// Message is one stream entry.
type Message struct {
	ID     MessageID
	Fields map[string]string
}

// Stream is the interface of the streaming substrate. Implementations are
// safe for concurrent use.
type Stream interface {
	// Add appends a message to the named stream, creating the stream if
	// needed, and returns the id it was given.
	Add(ctx context.Context, stream string, fields map[string]string) (MessageID, error)

	// CreateGroup creates a consumer group on the stream, creating the
	// stream if needed. A new group starts at the beginning of the stream.
	// Creating a group that exists is not an error.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup returns up to count messages of the stream that were never
	// delivered to any consumer of the group, and makes them pending for
	// the given consumer. If there are none it blocks for up to block, and
	// returns nil if none arrive.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error)

	// AckDelete acknowledges the messages for the group and deletes them from
	// the stream, as one atomic step. It returns how many of them were
	// pending for the group.
	AckDelete(ctx context.Context, stream, group string, ids ...MessageID) (int64, error)

	// Len returns the number of messages in the stream.
	Len(ctx context.Context, stream string) (int64, error)

	// Close releases the stream's resources.
	Close() error
}
