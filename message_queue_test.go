// message_queue_test.go - Tests for SPSC rings and payload recycling

package main

import (
	"sync"
	"testing"
)

// TestRingCapacity verifies a ring of N accepts exactly N unread
// pushes and rejects the next one.
func TestRingCapacity(t *testing.T) {
	const n = 16
	ring := NewLockFreeRingBuffer[int](n)

	for i := 0; i < n; i++ {
		if !ring.WriteOne(i) {
			t.Fatalf("push %d rejected before capacity", i)
		}
	}
	if ring.WriteAvail() != 0 {
		t.Fatalf("WriteAvail() = %d at capacity, expected 0", ring.WriteAvail())
	}
	if ring.WriteOne(99) {
		t.Fatal("push beyond capacity accepted")
	}

	var v int
	for i := 0; i < n; i++ {
		if !ring.ReadOne(&v) {
			t.Fatalf("read %d failed", i)
		}
		if v != i {
			t.Fatalf("read %d, expected %d", v, i)
		}
	}
	if ring.ReadOne(&v) {
		t.Fatal("read from empty ring succeeded")
	}
}

// TestRingWrapAround verifies multi-element reads/writes split
// correctly across the wrap point.
func TestRingWrapAround(t *testing.T) {
	ring := NewLockFreeRingBuffer[int](8)

	// Advance the offsets near the end of the ring.
	for i := 0; i < 6; i++ {
		ring.WriteOne(i)
	}
	var v int
	for i := 0; i < 6; i++ {
		ring.ReadOne(&v)
	}

	in := []int{10, 11, 12, 13, 14}
	if !ring.WriteMany(in) {
		t.Fatal("wrapping WriteMany rejected")
	}
	out := make([]int, 5)
	if !ring.ReadMany(out) {
		t.Fatal("wrapping ReadMany rejected")
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %d, expected %d", i, out[i], in[i])
		}
	}
}

// TestRingSPSCStress pushes a sequence through concurrently and
// verifies order and completeness.
func TestRingSPSCStress(t *testing.T) {
	const count = 100000
	ring := NewLockFreeRingBuffer[uint32](256)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := uint32(0); i < count; {
			if ring.WriteOne(i) {
				i++
			}
		}
	}()

	var fail string
	go func() {
		defer wg.Done()
		var v uint32
		for i := uint32(0); i < count; {
			if ring.ReadOne(&v) {
				if v != i {
					fail = "out of order read"
					return
				}
				i++
			}
		}
	}()

	wg.Wait()
	if fail != "" {
		t.Fatal(fail)
	}
}

// TestPayloadRecycling verifies the bucket recycler hands back the
// identical buffer on the next allocation of the same bucket.
func TestPayloadRecycling(t *testing.T) {
	q := NewLockFreeMessageQueue()

	// Drain the 256-byte bucket's prefill so our payload is next.
	var drained []MessageQueuePayload
	for i := 0; i < 512; i++ {
		drained = append(drained, q.AllocateWritePayload(100))
	}

	payload := q.AllocateWritePayload(100)
	if payload.Capacity() < 100 {
		t.Fatalf("capacity %d < requested 100", payload.Capacity())
	}
	ptr := &payload.Data()[0]
	q.RecyclePayload(payload)

	again := q.AllocateWritePayload(100)
	if &again.Data()[0] != ptr {
		t.Fatal("recycled payload was not returned on next allocation")
	}
	q.RecyclePayload(again)
	for _, p := range drained {
		q.RecyclePayload(p)
	}
}

// TestPayloadBucketSelection verifies the smallest sufficient bucket
// serves each size class.
func TestPayloadBucketSelection(t *testing.T) {
	q := NewLockFreeMessageQueue()
	cases := []struct {
		size     int
		capacity int
	}{
		{1, 256},
		{256, 256},
		{257, 512},
		{4096, 4096},
		{32768, 32768},
		{40000, 40000}, // over the largest bucket: one-off allocation
	}
	for _, tc := range cases {
		p := q.AllocateWritePayload(tc.size)
		if p.Capacity() != tc.capacity {
			t.Fatalf("size %d got capacity %d, expected %d", tc.size, p.Capacity(), tc.capacity)
		}
		q.RecyclePayload(p)
	}
}

// TestMessageQueueCork verifies corked allocation fails fast and
// uncorking restores service.
func TestMessageQueueCork(t *testing.T) {
	q := NewMessageQueue()

	// Queues start corked.
	if p := q.AllocateWritePayload(64); p.Valid() {
		t.Fatal("allocation succeeded while corked")
	}

	q.Uncork()
	p := q.AllocateWritePayload(64)
	if !p.Valid() {
		t.Fatal("allocation failed after uncork")
	}
	p.SetSize(64)
	if !q.PushWrittenPayload(p) {
		t.Fatal("push failed")
	}
	if q.AvailableReadMessages() != 1 {
		t.Fatalf("AvailableReadMessages() = %d, expected 1", q.AvailableReadMessages())
	}
	got := q.ReadMessage()
	if !got.Valid() || got.Size() != 64 {
		t.Fatalf("read message size %d, expected 64", got.Size())
	}
	q.RecyclePayload(got)
}

// TestMessageQueueLog verifies tagged log messages round-trip through
// the queue.
func TestMessageQueueLog(t *testing.T) {
	q := NewMessageQueue()
	if q.Log("[test] ", "dropped while corked") {
		t.Fatal("Log reported success while corked")
	}
	q.Uncork()
	if !q.Log("[test] ", "value=%d\n", 42) {
		t.Fatal("Log failed while uncorked")
	}
	msg := q.ReadMessage()
	if !msg.Valid() {
		t.Fatal("no message after Log")
	}
	text := string(msg.Data()[:msg.Size()])
	if text != "[test] value=42" {
		t.Fatalf("logged %q", text)
	}
}

// TestPayloadHandle verifies typed handles survive the queue.
func TestPayloadHandle(t *testing.T) {
	q := NewLockFreeMessageQueue()
	p := q.AllocateWritePayload(32)
	p.SetPayloadHandle(StreamStoppedEvent{Index: 7})
	q.PushWrittenPayload(p)

	got := q.ReadMessage()
	ev, ok := got.PayloadHandle().(StreamStoppedEvent)
	if !ok || ev.Index != 7 {
		t.Fatalf("handle = %#v", got.PayloadHandle())
	}
	q.RecyclePayload(got)
}
