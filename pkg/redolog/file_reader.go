// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"bufio"
	"io"
	"math"
	"os"

	log "github.com/golang/glog"
)

// recordIterator walks the records that follow the header of a file log.
type recordIterator struct {
	br     *bufio.Reader
	offset int64 // end of the last intact record
	rec    Record
	err    error
	torn   bool // the log ends in the middle of a record
}

func newRecordIterator(r io.ReaderAt) *recordIterator {
	sr := io.NewSectionReader(r, HeaderSize, math.MaxInt64-HeaderSize)
	return &recordIterator{br: bufio.NewReaderSize(sr, 64*1024), offset: HeaderSize}
}

func (itr *recordIterator) next() bool {
	if itr.err != nil {
		return false
	}
	rec, n, err := deserializeRecord(itr.br)
	if err == io.ErrUnexpectedEOF {
		// A crash during an append leaves a partial record behind; the
		// caller never heard it succeed, so it's not part of the log.
		itr.torn = true
		err = io.EOF
	}
	if err != nil {
		itr.err = err
		return false
	}
	itr.rec = rec
	itr.offset += int64(n)
	return true
}

func (itr *recordIterator) error() error {
	if itr.err == io.EOF {
		return nil
	}
	return itr.err
}

// FileLogReader reads a file log: its header and then its records in the
// order they were appended.
type FileLogReader struct {
	f      *os.File
	header *Header
	itr    *recordIterator
}

// OpenFileLogReader opens the file log at path for reading.
func OpenFileLogReader(path string) (*FileLogReader, error) {
	f, err := os.Open(path)
	if err != nil {
		log.Errorf("Failed to open %q: %v", path, err)
		return nil, err
	}
	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		log.Errorf("Failed to read header of %q: %v", path, err)
		return nil, WrapError("file", "read header", err)
	}
	return &FileLogReader{f: f, header: h, itr: newRecordIterator(f)}, nil
}

// Header returns the log's header.
func (r *FileLogReader) Header() *Header {
	return r.header
}

// Next advances to the next record. It returns false at the end of the log
// or on an error; use Err to tell the difference.
func (r *FileLogReader) Next() bool {
	return r.itr.next()
}

// Record returns the current record. Next must be called before every call
// to Record.
func (r *FileLogReader) Record() Record {
	return r.itr.rec
}

// Err returns the error that stopped iteration, if any.
func (r *FileLogReader) Err() error {
	return r.itr.error()
}

// Torn returns true if iteration stopped at an incomplete final record.
func (r *FileLogReader) Torn() bool {
	return r.itr.torn
}

// Offset returns the end offset of the last record read.
func (r *FileLogReader) Offset() int64 {
	return r.itr.offset
}

// Close releases the file and returns any iteration error.
func (r *FileLogReader) Close() error {
	err := r.Err()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAll returns every record of the file log at path.
func ReadAll(path string) (*Header, []Record, error) {
	r, err := OpenFileLogReader(path)
	if err != nil {
		return nil, nil, err
	}
	var recs []Record
	for r.Next() {
		recs = append(recs, r.Record())
	}
	return r.Header(), recs, r.Close()
}
