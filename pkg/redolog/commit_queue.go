// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package redolog

import (
	"sync"

	log "github.com/golang/glog"
)

// commitQueueSize is how many commit notifications can wait for an fsync.
const commitQueueSize = 100

// commitNotification is a commit callback waiting for its record to become
// durable.
type commitNotification struct {
	id       CommitID
	callback CommitCallback
}

// commitQueue is a fixed size ring buffer of commit notifications.
//
// head == tail is ambiguous between empty and full, so fullness is kept in
// an explicit flag.
type commitQueue struct {
	lock  sync.Mutex
	items [commitQueueSize]commitNotification
	head  int // next item to drain
	tail  int // next free slot
	full  bool
}

// push adds a notification. It returns false, and adds nothing, if the queue
// is full.
func (q *commitQueue) push(n commitNotification) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.full {
		return false
	}
	q.items[q.tail] = n
	q.tail = (q.tail + 1) % commitQueueSize
	q.full = q.tail == q.head
	return true
}

// drain removes and returns all queued notifications, oldest first.
func (q *commitQueue) drain() []commitNotification {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.head == q.tail && !q.full {
		return nil
	}
	var out []commitNotification
	for i := q.head; ; i = (i + 1) % commitQueueSize {
		if len(out) > 0 && i == q.tail {
			break
		}
		out = append(out, q.items[i])
		q.items[i] = commitNotification{}
	}
	q.head = q.tail
	q.full = false
	return out
}

// size returns the number of queued notifications.
func (q *commitQueue) size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.full {
		return commitQueueSize
	}
	return (q.tail - q.head + commitQueueSize) % commitQueueSize
}

// notifyCommits invokes each callback in order. A panicking callback is
// logged and doesn't stop the others.
func notifyCommits(ns []commitNotification) {
	for _, n := range ns {
		invokeCallback(n)
	}
}

func invokeCallback(n commitNotification) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Commit callback for %s panicked: %v", n.id, r)
		}
	}()
	n.callback(n.id)
}
