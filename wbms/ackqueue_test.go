// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wbms

import (
	"errors"
	"testing"
)

func TestAckQueue_FIFO(t *testing.T) {
	q, err := NewAckQueue(4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		if err := q.Put(AckEntry{NotifID: uint16(i), CmdID: 0x22}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := q.Put(AckEntry{NotifID: 5}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Put on full queue: err = %v, want ErrBufferFull", err)
	}
	if q.Len() != 4 || q.Cap() != 4 {
		t.Errorf("Len/Cap = %d/%d, want 4/4", q.Len(), q.Cap())
	}
	for i := 1; i <= 4; i++ {
		e, err := q.Get()
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if e.NotifID != uint16(i) {
			t.Errorf("Get = %d, want %d", e.NotifID, i)
		}
	}
	if _, err := q.Get(); !errors.Is(err, ErrBufferEmpty) {
		t.Fatalf("Get on empty queue: err = %v, want ErrBufferEmpty", err)
	}
}

func TestAckQueue_Wraparound(t *testing.T) {
	for _, capacity := range []int{1, 2, 16, 128} {
		q, err := NewAckQueue(capacity)
		if err != nil {
			t.Fatal(err)
		}
		next, want := uint16(0), uint16(0)
		// keep the queue partly filled while the counters wrap several times
		for i := 0; i < 1000; i++ {
			for q.Len() < (capacity+1)/2 {
				if err := q.Put(AckEntry{NotifID: next}); err != nil {
					t.Fatalf("cap %d: Put: %v", capacity, err)
				}
				next++
			}
			e, err := q.Get()
			if err != nil {
				t.Fatalf("cap %d: Get: %v", capacity, err)
			}
			if e.NotifID != want {
				t.Fatalf("cap %d: Get = %d, want %d", capacity, e.NotifID, want)
			}
			want++
		}
	}
}

func TestAckQueue_FullAfterWrap(t *testing.T) {
	q, _ := NewAckQueue(128)
	for i := 0; i < 200; i++ {
		_ = q.Put(AckEntry{})
		_, _ = q.Get()
	}
	for i := 0; i < 128; i++ {
		if err := q.Put(AckEntry{NotifID: uint16(i)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := q.Put(AckEntry{}); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Put 129th: err = %v, want ErrBufferFull", err)
	}
	if q.Len() != 128 {
		t.Errorf("Len = %d, want 128", q.Len())
	}
}

func TestNewAckQueue_InvalidCapacity(t *testing.T) {
	for _, n := range []int{0, -1, 3, 100, 256} {
		if _, err := NewAckQueue(n); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("NewAckQueue(%d): err = %v, want ErrInvalidParameter", n, err)
		}
	}
}
