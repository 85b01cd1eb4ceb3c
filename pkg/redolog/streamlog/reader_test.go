// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package streamlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/redolog/pkg/redolog"
	"github.com/westerndigitalcorporation/redolog/pkg/stream"
	test "github.com/westerndigitalcorporation/redolog/pkg/testutil"
)

// recordingApplier remembers what it applied, in order.
type recordingApplier struct {
	lock    sync.Mutex
	applied []redolog.Record
	fail    func(redolog.Record) error
}

func (a *recordingApplier) Apply(ctx context.Context, rec redolog.Record, replay bool) error {
	if !replay {
		return errors.New("expected a replay")
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.applied = append(a.applied, rec)
	if a.fail != nil {
		return a.fail(rec)
	}
	return nil
}

func (a *recordingApplier) counters() []int32 {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []int32
	for _, r := range a.applied {
		out = append(out, r.TxnID.Counter)
	}
	return out
}

// msg returns a message with the given id whose transaction counter is the
// id too, so the apply order is easy to check.
func msg(id uint64) stream.Message {
	e := &redolog.Entry{
		Timestamp: int64(id),
		MailboxID: 1,
		Type:      redolog.OpType(7),
		TxnID:     redolog.TransactionID{Time: 1500000000, Counter: int32(id)},
	}
	return stream.Message{ID: stream.MessageID{Ms: 1000, Seq: id}, Fields: encodeRecord(e, 1, []byte("op"))}
}

func testReaderConfig() ReaderConfig {
	cfg := DefaultReaderConfig
	cfg.Consumer = "test-consumer"
	cfg.BlockTimeout = 10 * time.Millisecond
	cfg.StopTimeout = 5 * time.Second
	return cfg
}

// runReader runs a ReaderService over f until every batch was read and
// want records were acked.
func runReader(t *testing.T, f *fakeStream, a Applier, want int) *ReaderService {
	r := NewReaderService(f, a, testReaderConfig())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	test.WaitFor(t, 5*time.Second, "batches to be processed", func() bool {
		return f.drained() && len(f.ackedIDs()) >= want
	})
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return r
}

func checkSeqs(t *testing.T, what string, got []int32, want ...int32) {
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", what, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want %v", what, got, want)
		}
	}
}

func ackedSeqs(f *fakeStream) []int32 {
	var out []int32
	for _, id := range f.ackedIDs() {
		out = append(out, int32(id.Seq))
	}
	return out
}

func TestReaderReordersBatch(t *testing.T) {
	f := newFakeStream([]stream.Message{msg(3), msg(1), msg(2)})
	a := &recordingApplier{}
	r := runReader(t, f, a, 3)

	checkSeqs(t, "applied", a.counters(), 1, 2, 3)
	checkSeqs(t, "acked", ackedSeqs(f), 1, 2, 3)
	if s := r.Stats(); s.Applied != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestReaderSkipsDuplicates(t *testing.T) {
	f := newFakeStream(
		[]stream.Message{msg(1), msg(2)},
		[]stream.Message{msg(2), msg(3)},
	)
	a := &recordingApplier{}
	r := runReader(t, f, a, 3)

	checkSeqs(t, "applied", a.counters(), 1, 2, 3)
	checkSeqs(t, "acked", ackedSeqs(f), 1, 2, 3)
	if s := r.Stats(); s.Duplicates != 1 || s.Applied != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestReaderDropsUndecodable(t *testing.T) {
	bad := msg(1)
	bad.Fields[FieldTxnID] = "not-a-txn-id"
	f := newFakeStream([]stream.Message{bad, msg(2)}, []stream.Message{msg(3)})
	a := &recordingApplier{}
	r := runReader(t, f, a, 3)

	checkSeqs(t, "applied", a.counters(), 2, 3)
	checkSeqs(t, "acked", ackedSeqs(f), 1, 2, 3)
	if s := r.Stats(); s.Dropped != 1 || s.Applied != 2 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestReaderAcksFailedApply(t *testing.T) {
	f := newFakeStream([]stream.Message{msg(1), msg(2)})
	a := &recordingApplier{fail: func(r redolog.Record) error {
		if r.TxnID.Counter == 1 {
			return errors.New("mailbox is gone")
		}
		return nil
	}}
	failed := readerOps.Count(resultApplyFailed, "apply")
	dropped := readerOps.Count("dropped", "apply")
	r := runReader(t, f, a, 2)

	checkSeqs(t, "applied", a.counters(), 1, 2)
	checkSeqs(t, "acked", ackedSeqs(f), 1, 2)
	if s := r.Stats(); s.ApplyErrors != 1 || s.Applied != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
	if n := readerOps.Count(resultApplyFailed, "apply") - failed; n != 1 {
		t.Errorf("Expected 1 failed apply in the metrics, got %d", n)
	}
	if n := readerOps.Count("dropped", "apply") - dropped; n != 0 {
		t.Errorf("A failed apply must not count as dropped, got %d", n)
	}
}

func TestReaderStartStop(t *testing.T) {
	f := newFakeStream()
	r := NewReaderService(f, &recordingApplier{}, testReaderConfig())
	if err := r.Stop(); err != nil {
		t.Errorf("Stop of a service that never started: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Errorf("Second Start should fail")
	}
	if !f.groups["redolog/redolog-replay"] {
		t.Errorf("Start should create the group, got %v", f.groups)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("Second Stop: %v", err)
	}
	if r.Consumer() != "test-consumer" {
		t.Errorf("Unexpected consumer %q", r.Consumer())
	}
}

// Writer and reader over a real bolt stream with several partitions.
func TestWriterReaderEndToEnd(t *testing.T) {
	s, err := stream.OpenBolt(filepath.Join(test.MakeTempDir(t, "streamlog"), "stream.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer s.Close()

	const partitions, mailboxes, perMailbox = 4, 8, 5
	wcfg := DefaultWriterConfig
	wcfg.Partitions = partitions
	w, err := NewWriter(context.Background(), s, wcfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.Open()
	for i := 0; i < perMailbox; i++ {
		for m := int32(1); m <= mailboxes; m++ {
			e := &redolog.Entry{
				Timestamp: int64(i),
				MailboxID: m,
				Type:      redolog.OpType(5),
				TxnID:     redolog.TransactionID{Time: m, Counter: int32(i)},
			}
			if err := w.Log(e, []byte("op"), true); err != nil {
				t.Fatalf("Log: %v", err)
			}
		}
	}
	w.Close()

	a := &recordingApplier{}
	rcfg := testReaderConfig()
	rcfg.Partitions = partitions
	rcfg.BatchSize = 3
	r := NewReaderService(s, a, rcfg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	test.WaitFor(t, 10*time.Second, "every record to be applied", func() bool {
		return r.Stats().Applied == mailboxes*perMailbox
	})
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	next := make(map[int32]int32)
	for _, rec := range a.applied {
		if rec.TxnID.Counter != next[rec.MailboxID] {
			t.Fatalf("Mailbox %d: applied counter %d, expected %d", rec.MailboxID, rec.TxnID.Counter, next[rec.MailboxID])
		}
		next[rec.MailboxID]++
	}
	if empty, err := w.IsEmpty(); err != nil || !empty {
		t.Errorf("Every record should be deleted after apply: %t, %v", empty, err)
	}
}
