// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package streamlog

import (
	"context"
	"sync"
	"time"

	"github.com/westerndigitalcorporation/redolog/pkg/stream"
)

// fakeStream hands out scripted batches, possibly out of order or with
// repeats, and records acks.
type fakeStream struct {
	lock    sync.Mutex
	batches [][]stream.Message
	groups  map[string]bool
	acked   []stream.MessageID
	added   []map[string]string
}

func newFakeStream(batches ...[]stream.Message) *fakeStream {
	return &fakeStream{batches: batches, groups: make(map[string]bool)}
}

func (f *fakeStream) Add(ctx context.Context, name string, fields map[string]string) (stream.MessageID, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.added = append(f.added, fields)
	return stream.MessageID{Ms: uint64(len(f.added))}, nil
}

func (f *fakeStream) CreateGroup(ctx context.Context, name, group string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.groups[name+"/"+group] = true
	return nil
}

func (f *fakeStream) ReadGroup(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]stream.Message, error) {
	f.lock.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.lock.Unlock()
		return b, nil
	}
	f.lock.Unlock()

	select {
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) AckDelete(ctx context.Context, name, group string, ids ...stream.MessageID) (int64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.acked = append(f.acked, ids...)
	return int64(len(ids)), nil
}

func (f *fakeStream) Len(ctx context.Context, name string) (int64, error) {
	return 0, nil
}

func (f *fakeStream) Close() error {
	return nil
}

func (f *fakeStream) ackedIDs() []stream.MessageID {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]stream.MessageID(nil), f.acked...)
}

func (f *fakeStream) drained() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.batches) == 0
}
