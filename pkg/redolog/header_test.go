// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testHeader() *Header {
	return &Header{
		Open:          true,
		FileSize:      4096,
		Sequence:      17,
		ServerID:      "mail1.example.com",
		FirstOpTstamp: 1500000000000,
		LastOpTstamp:  1500000009999,
		Version:       LatestVersion,
		CreateTime:    1499999999000,
	}
}

func roundTripHeader(h *Header, t *testing.T) *Header {
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to marshal header: %v", err)
	}
	if len(b) != HeaderSize {
		t.Fatalf("Header is %d bytes, expected %d", len(b), HeaderSize)
	}
	out := &Header{}
	if err = out.UnmarshalBinary(b); err != nil {
		t.Fatalf("Failed to unmarshal header: %v", err)
	}
	return out
}

func TestHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	if out := roundTripHeader(h, t); *out != *h {
		t.Errorf("Header not the same: %+v vs %+v", out, h)
	}
}

func TestHeaderLayout(t *testing.T) {
	b, _ := testHeader().MarshalBinary()
	if !bytes.HasPrefix(b, HeaderMagic) {
		t.Errorf("Header doesn't start with the magic: %q", b[:len(HeaderMagic)])
	}
	if b[offServerID] != byte(len("mail1.example.com")) {
		t.Errorf("Wrong server id length byte %d", b[offServerID])
	}
	// Everything after the create time must be zero padding.
	for i := offCreateTime + 8; i < HeaderSize; i++ {
		if b[i] != 0 {
			t.Fatalf("Non-zero padding at offset %d", i)
		}
	}
}

func TestHeaderServerIDBoundary(t *testing.T) {
	h := testHeader()

	h.ServerID = strings.Repeat("a", MaxServerIDLen)
	if out := roundTripHeader(h, t); out.ServerID != h.ServerID {
		t.Errorf("127 byte server id didn't survive: %q", out.ServerID)
	}

	h.ServerID = strings.Repeat("b", MaxServerIDLen+10)
	out := roundTripHeader(h, t)
	if out.ServerID != strings.Repeat("b", MaxServerIDLen) {
		t.Errorf("Long server id wasn't cut to %d bytes: %q", MaxServerIDLen, out.ServerID)
	}

	// A multi-byte character straddling the limit is dropped whole.
	h.ServerID = strings.Repeat("c", MaxServerIDLen-1) + "é"
	out = roundTripHeader(h, t)
	if out.ServerID != strings.Repeat("c", MaxServerIDLen-1) {
		t.Errorf("Unexpected truncation: %q", out.ServerID)
	}

	// Truncation is deterministic.
	again := roundTripHeader(out, t)
	if again.ServerID != out.ServerID {
		t.Errorf("Truncated id changed on a second round trip: %q vs %q", again.ServerID, out.ServerID)
	}
}

func TestHeaderVersionTooHigh(t *testing.T) {
	h := testHeader()
	h.Version = Version{Major: LatestVersion.Major, Minor: LatestVersion.Minor + 1}
	b, _ := h.MarshalBinary()
	if err := (&Header{}).UnmarshalBinary(b); !errors.Is(err, ErrVersionTooHigh) {
		t.Errorf("Expected ErrVersionTooHigh, got %v", err)
	}

	h.Version = Version{Major: LatestVersion.Major + 1}
	b, _ = h.MarshalBinary()
	if err := (&Header{}).UnmarshalBinary(b); !errors.Is(err, ErrVersionTooHigh) {
		t.Errorf("Expected ErrVersionTooHigh, got %v", err)
	}
}

func TestHeaderVersionZeroReadsAsOne(t *testing.T) {
	h := testHeader()
	h.Version = Version{}
	out := roundTripHeader(h, t)
	if out.Version != (Version{Major: 1, Minor: 0}) {
		t.Errorf("Version 0.0 read as %s, expected 1.0", out.Version)
	}
}

func TestHeaderBadMagic(t *testing.T) {
	b, _ := testHeader().MarshalBinary()
	b[0] = 'X'
	if err := (&Header{}).UnmarshalBinary(b); err != ErrBadMagic {
		t.Errorf("Expected ErrBadMagic, got %v", err)
	}
	if err := (&Header{}).UnmarshalBinary(b[:100]); !errors.Is(err, ErrCorruptData) {
		t.Errorf("Expected ErrCorruptData for a short header, got %v", err)
	}
}

func TestHeaderObserve(t *testing.T) {
	h := NewHeader("s", 0, testNow)
	if !h.Observe(200, true) || h.FirstOpTstamp != 200 || h.LastOpTstamp != 200 {
		t.Fatalf("First Observe gave %+v", h)
	}
	// An older timestamp changes neither.
	if h.Observe(100, false) || h.FirstOpTstamp != 200 || h.LastOpTstamp != 200 {
		t.Fatalf("Older Observe gave %+v", h)
	}
	if !h.Observe(300, false) || h.FirstOpTstamp != 200 || h.LastOpTstamp != 300 {
		t.Fatalf("Newer Observe gave %+v", h)
	}
}

func TestHeaderObserveZeroFirst(t *testing.T) {
	h := NewHeader("s", 0, testNow)
	h.Observe(0, true)
	h.Observe(50, false)
	if h.FirstOpTstamp != 0 || h.LastOpTstamp != 50 {
		t.Errorf("A first record at time 0 must stay first, got first=%d last=%d", h.FirstOpTstamp, h.LastOpTstamp)
	}
}

func TestVersionCompare(t *testing.T) {
	if (Version{1, 2}).Compare(Version{1, 10}) != -1 {
		t.Errorf("1.2 should be lower than 1.10")
	}
	if (Version{2, 0}).Compare(Version{1, 10}) != 1 {
		t.Errorf("2.0 should be higher than 1.10")
	}
	if LatestVersion.TooHigh() {
		t.Errorf("LatestVersion can't be too high")
	}
}
