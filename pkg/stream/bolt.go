// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/golang/snappy"
)

const mode = 0600

var (
	// Every stream is a top-level bucket holding these.
	messagesBucket = []byte("messages") // id -> snappy(fields)
	groupsBucket   = []byte("groups")   // group -> last delivered id
	pendingBucket  = []byte("pending")  // group -> (id -> consumer)
	lastIDKey      = []byte("last")     // last id handed out, in the stream bucket
)

// Bolt is a Stream kept in a local bolt database. Every stream lives in its
// own top-level bucket. Message bodies are compressed with snappy.
type Bolt struct {
	db *bolt.DB

	lock   sync.Mutex
	added  chan struct{} // closed and replaced on every Add
	closed chan struct{}
}

var _ Stream = (*Bolt)(nil)

// OpenBolt opens or creates a bolt stream database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Errorf("Failed to open stream DB %s: %v", path, err)
		return nil, err
	}
	return &Bolt{db: db, added: make(chan struct{}), closed: make(chan struct{})}, nil
}

func encodeID(id MessageID) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], id.Ms)
	binary.BigEndian.PutUint64(b[8:16], id.Seq)
	return b[:]
}

func decodeID(b []byte) MessageID {
	if len(b) != 16 {
		return MessageID{}
	}
	return MessageID{Ms: binary.BigEndian.Uint64(b[0:8]), Seq: binary.BigEndian.Uint64(b[8:16])}
}

// encodeFields serializes fields as length-prefixed key/value pairs in key
// order, then compresses them.
func encodeFields(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, k := range keys {
		for _, s := range []string{k, fields[k]} {
			n := binary.PutUvarint(tmp[:], uint64(len(s)))
			buf = append(buf, tmp[:n]...)
			buf = append(buf, s...)
		}
	}
	return snappy.Encode(nil, buf)
}

func decodeFields(b []byte) (map[string]string, error) {
	buf, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	var kv [2]string
	for i := 0; len(buf) > 0; i++ {
		l, n := binary.Uvarint(buf)
		if n <= 0 || uint64(len(buf)-n) < l {
			return nil, fmt.Errorf("truncated stream message")
		}
		kv[i%2] = string(buf[n : n+int(l)])
		buf = buf[n+int(l):]
		if i%2 == 1 {
			fields[kv[0]] = kv[1]
		}
	}
	return fields, nil
}

// streamBucket returns the bucket of the named stream, creating it and its
// sub-buckets if needed.
func streamBucket(tx *bolt.Tx, stream string) (*bolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(stream))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{messagesBucket, groupsBucket, pendingBucket} {
		if _, err = b.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *Bolt) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Add implements Stream. Ids are the current time in milliseconds, with the
// sequence breaking ties, and never go backwards.
func (s *Bolt) Add(ctx context.Context, stream string, fields map[string]string) (MessageID, error) {
	if s.isClosed() {
		return MessageID{}, ErrClosed
	}
	var id MessageID
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := streamBucket(tx, stream)
		if err != nil {
			return err
		}
		last := decodeID(b.Get(lastIDKey))
		now := uint64(time.Now().UnixMilli())
		if now > last.Ms {
			id = MessageID{Ms: now}
		} else {
			id = MessageID{Ms: last.Ms, Seq: last.Seq + 1}
		}
		if err = b.Put(lastIDKey, encodeID(id)); err != nil {
			return err
		}
		return b.Bucket(messagesBucket).Put(encodeID(id), encodeFields(fields))
	})
	if err != nil {
		log.Errorf("Failed to add to stream %s: %v", stream, err)
		return MessageID{}, err
	}

	s.lock.Lock()
	close(s.added)
	s.added = make(chan struct{})
	s.lock.Unlock()
	return id, nil
}

// CreateGroup implements Stream.
func (s *Bolt) CreateGroup(ctx context.Context, stream, group string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := streamBucket(tx, stream)
		if err != nil {
			return err
		}
		groups := b.Bucket(groupsBucket)
		if groups.Get([]byte(group)) != nil {
			log.V(1).Infof("Group %s on %s already exists", group, stream)
			return nil
		}
		if _, err = b.Bucket(pendingBucket).CreateBucketIfNotExists([]byte(group)); err != nil {
			return err
		}
		return groups.Put([]byte(group), encodeID(MessageID{}))
	})
}

// ReadGroup implements Stream.
func (s *Bolt) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if s.isClosed() {
			return nil, ErrClosed
		}
		// Grab the wakeup channel first so an Add after the read isn't missed.
		s.lock.Lock()
		added := s.added
		s.lock.Unlock()

		msgs, err := s.readNew(stream, group, consumer, count)
		if err != nil && s.isClosed() {
			return nil, ErrClosed
		}
		if err != nil || len(msgs) > 0 || deadline == nil {
			return msgs, err
		}

		select {
		case <-added:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrClosed
		}
	}
}

// readNew delivers up to count never-delivered messages to consumer.
func (s *Bolt) readNew(stream, group, consumer string, count int) ([]Message, error) {
	var out []Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(stream))
		if b == nil {
			return fmt.Errorf("%w: %s on %s", ErrNoGroup, group, stream)
		}
		groups := b.Bucket(groupsBucket)
		cursor := groups.Get([]byte(group))
		if cursor == nil {
			return fmt.Errorf("%w: %s on %s", ErrNoGroup, group, stream)
		}
		pending := b.Bucket(pendingBucket).Bucket([]byte(group))

		last := decodeID(cursor)
		c := b.Bucket(messagesBucket).Cursor()
		k, v := c.Seek(encodeID(last))
		if k != nil && decodeID(k) == last {
			k, v = c.Next()
		}
		for ; k != nil && len(out) < count; k, v = c.Next() {
			id := decodeID(k)
			fields, err := decodeFields(v)
			if err != nil {
				// Still delivered, so the reader can drop it.
				log.Errorf("Corrupt message %s on %s: %v", id, stream, err)
				fields = map[string]string{}
			}
			if err = pending.Put(k, []byte(consumer)); err != nil {
				return err
			}
			out = append(out, Message{ID: id, Fields: fields})
			last = id
		}
		if len(out) == 0 {
			return nil
		}
		return groups.Put([]byte(group), encodeID(last))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AckDelete implements Stream. Both happen in one bolt transaction.
func (s *Bolt) AckDelete(ctx context.Context, stream, group string, ids ...MessageID) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		pending := b.Bucket(pendingBucket).Bucket([]byte(group))
		messages := b.Bucket(messagesBucket)
		for _, id := range ids {
			k := encodeID(id)
			if pending != nil && pending.Get(k) != nil {
				if err := pending.Delete(k); err != nil {
					return err
				}
				n++
			}
			if err := messages.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("Ack and delete of %d messages on %s failed: %v", len(ids), stream, err)
		return 0, err
	}
	return n, nil
}

// Len implements Stream.
func (s *Bolt) Len(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(stream)); b != nil {
			n = int64(b.Bucket(messagesBucket).Stats().KeyN)
		}
		return nil
	})
	return n, err
}

// Pending returns the number of messages delivered to the group and not yet
// acknowledged.
func (s *Bolt) Pending(stream, group string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		if p := b.Bucket(pendingBucket).Bucket([]byte(group)); p != nil {
			n = p.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close implements Stream. Blocked readers return ErrClosed.
func (s *Bolt) Close() error {
	s.lock.Lock()
	select {
	case <-s.closed:
		s.lock.Unlock()
		return nil
	default:
		close(s.closed)
	}
	s.lock.Unlock()
	return s.db.Close()
}
