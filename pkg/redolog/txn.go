// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"fmt"
	"strconv"
	"strings"
)

// TransactionID identifies the transaction that produced a record. It is
// assigned by the caller: Time is the time the transaction manager started
// (in seconds) and Counter increments for every transaction it hands out.
type TransactionID struct {
	Time    int32
	Counter int32
}

// String formats the ID as "<time>-<counter>".
func (id TransactionID) String() string {
	return fmt.Sprintf("%d-%d", id.Time, id.Counter)
}

// IsZero returns true for the zero TransactionID.
func (id TransactionID) IsZero() bool {
	return id.Time == 0 && id.Counter == 0
}

// ParseTransactionID is the inverse of TransactionID.String. Either field
// may be negative, so the separator is the first '-' that isn't a leading
// sign.
func ParseTransactionID(s string) (TransactionID, error) {
	i := -1
	if len(s) > 1 {
		i = strings.IndexByte(s[1:], '-')
	}
	if i < 0 {
		return TransactionID{}, fmt.Errorf("%w: %q", ErrBadTransactionID, s)
	}
	parts := []string{s[:i+1], s[i+2:]}
	t, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: %q: %v", ErrBadTransactionID, s, err)
	}
	c, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: %q: %v", ErrBadTransactionID, s, err)
	}
	return TransactionID{Time: int32(t), Counter: int32(c)}, nil
}

// CommitID says as of which durable point a transaction committed: the
// sequence of the physical log the commit record went to, and the commit
// record itself.
type CommitID struct {
	Sequence  int64
	TxnID     TransactionID
	Timestamp int64
}

func (c CommitID) String() string {
	return fmt.Sprintf("%d-%s-%d", c.Sequence, c.TxnID, c.Timestamp)
}
