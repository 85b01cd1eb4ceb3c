// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestMessageID(t *testing.T) {
	id, err := ParseMessageID("1526919030474-55")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.Ms != 1526919030474 || id.Seq != 55 || id.String() != "1526919030474-55" {
		t.Errorf("Parsed as %+v", id)
	}
	for _, bad := range []string{"", "12", "a-1", "1-b", "-1", "1-"} {
		if _, err := ParseMessageID(bad); !errors.Is(err, ErrBadMessageID) {
			t.Errorf("Parsing %q should fail with ErrBadMessageID, got %v", bad, err)
		}
	}
}

func TestMessageIDLess(t *testing.T) {
	a := MessageID{Ms: 10, Seq: 5}
	b := MessageID{Ms: 10, Seq: 6}
	c := MessageID{Ms: 11, Seq: 0}
	if !a.Less(b) || !b.Less(c) || !a.Less(c) {
		t.Errorf("Ordering is wrong")
	}
	if b.Less(a) || c.Less(b) || a.Less(a) {
		t.Errorf("Ordering is not strict")
	}
}

func TestFieldEncoding(t *testing.T) {
	in := map[string]string{"payload": "\x00\x01binary\xff", "mboxid": "42", "empty": ""}
	out, err := decodeFields(encodeFields(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Got %d fields, expected %d", len(out), len(in))
	}
	for k, v := range in {
		if out[k] != v {
			t.Errorf("Field %s: %q vs %q", k, out[k], v)
		}
	}
	if _, err := decodeFields([]byte("not snappy")); err == nil {
		t.Errorf("Decoding garbage should fail")
	}
}

// pendingStream is a Stream that can report its pending entries.
type pendingStream interface {
	Stream
	Pending(stream, group string) (int, error)
}

// testGroupRead checks group creation, delivery of never-delivered messages
// across consumers, and that AckDelete removes messages from both the stream
// and the pending list.
func testGroupRead(t *testing.T, s pendingStream) {
	ctx := context.Background()

	if _, err := s.ReadGroup(ctx, "log", "g", "c1", 10, 0); !errors.Is(err, ErrNoGroup) {
		t.Errorf("Reading a missing group should fail with ErrNoGroup, got %v", err)
	}
	if err := s.CreateGroup(ctx, "log", "g"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.CreateGroup(ctx, "log", "g"); err != nil {
		t.Errorf("Creating an existing group should succeed, got %v", err)
	}

	var ids []MessageID
	for i := 0; i < 5; i++ {
		id, err := s.Add(ctx, "log", map[string]string{"n": strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if len(ids) > 0 && !ids[len(ids)-1].Less(id) {
			t.Fatalf("Ids must increase: %s then %s", ids[len(ids)-1], id)
		}
		ids = append(ids, id)
	}

	first, err := s.ReadGroup(ctx, "log", "g", "c1", 3, 0)
	if err != nil || len(first) != 3 {
		t.Fatalf("Expected 3 messages, got %d, %v", len(first), err)
	}
	second, err := s.ReadGroup(ctx, "log", "g", "c2", 10, 0)
	if err != nil || len(second) != 2 {
		t.Fatalf("Expected the other 2 messages, got %d, %v", len(second), err)
	}
	for i, m := range append(first, second...) {
		if m.ID != ids[i] || m.Fields["n"] != strconv.Itoa(i) {
			t.Errorf("Message %d is %+v", i, m)
		}
	}
	if msgs, err := s.ReadGroup(ctx, "log", "g", "c1", 10, 0); err != nil || len(msgs) != 0 {
		t.Errorf("Delivered messages must not be delivered again, got %v, %v", msgs, err)
	}
	if p, _ := s.Pending("log", "g"); p != 5 {
		t.Errorf("Expected 5 pending, got %d", p)
	}

	n, err := s.AckDelete(ctx, "log", "g", ids[0], ids[1])
	if err != nil || n != 2 {
		t.Errorf("AckDelete returned %d, %v", n, err)
	}
	if n, _ := s.AckDelete(ctx, "log", "g", ids[0]); n != 0 {
		t.Errorf("A second ack of the same id should count 0, got %d", n)
	}
	if l, _ := s.Len(ctx, "log"); l != 3 {
		t.Errorf("Expected 3 messages left, got %d", l)
	}
	if p, _ := s.Pending("log", "g"); p != 3 {
		t.Errorf("Expected 3 pending, got %d", p)
	}
}

// testBlockingRead checks that a read waits for the block timeout on an
// empty stream and returns as soon as a message is added.
func testBlockingRead(t *testing.T, s Stream) {
	ctx := context.Background()
	if err := s.CreateGroup(ctx, "log", "g"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	start := time.Now()
	msgs, err := s.ReadGroup(ctx, "log", "g", "c", 10, 50*time.Millisecond)
	if err != nil || len(msgs) != 0 {
		t.Errorf("Expected nothing from an empty stream, got %v, %v", msgs, err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("Read returned before the block timeout")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Add(ctx, "log", map[string]string{"k": "v"})
	}()
	msgs, err = s.ReadGroup(ctx, "log", "g", "c", 10, 5*time.Second)
	if err != nil || len(msgs) != 1 || msgs[0].Fields["k"] != "v" {
		t.Errorf("Expected the added message, got %v, %v", msgs, err)
	}
}
