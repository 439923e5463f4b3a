// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

// AckEntry is a notification waiting for its acknowledgment frame.
type AckEntry struct {
	NotifID uint16
	CmdID   uint8
}

// AckQueue is a fixed-capacity FIFO of pending acknowledgments.
//
// head and tail are free-running uint8 counters. Capacity is a power of two
// no larger than 128, so it divides 256 and both the fill level
// uint8(head-tail) and the slot index counter%capacity stay correct across
// counter wraparound.
type AckQueue struct {
	entries  []AckEntry
	head     uint8
	tail     uint8
	capacity uint8
}

func validAckQueueSize(n int) bool {
	return n > 0 && n <= AckQueueSizeMax && n&(n-1) == 0
}

// NewAckQueue creates a queue holding up to capacity entries.
func NewAckQueue(capacity int) (*AckQueue, error) {
	if !validAckQueueSize(capacity) {
		return nil, newError(InvalidParameter, "ack queue", nil)
	}
	return &AckQueue{
		entries:  make([]AckEntry, capacity),
		capacity: uint8(capacity),
	}, nil
}

// Put appends an entry. It fails with ErrBufferFull instead of evicting.
func (q *AckQueue) Put(e AckEntry) error {
	if q.head-q.tail == q.capacity {
		return ErrBufferFull
	}
	q.entries[q.head%q.capacity] = e
	q.head++
	return nil
}

// Get removes the oldest entry, or fails with ErrBufferEmpty.
func (q *AckQueue) Get() (AckEntry, error) {
	if q.head == q.tail {
		return AckEntry{}, ErrBufferEmpty
	}
	e := q.entries[q.tail%q.capacity]
	q.tail++
	return e, nil
}

// Len returns the number of queued entries.
func (q *AckQueue) Len() int { return int(q.head - q.tail) }

// Cap returns the queue capacity.
func (q *AckQueue) Cap() int { return int(q.capacity) }
