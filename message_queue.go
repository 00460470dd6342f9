// message_queue.go - Lock-free SPSC rings and recycled message payloads

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
message_queue.go - Lock-free messaging between realtime and non-realtime threads

The building block is a single-producer / single-consumer ring buffer with
monotonic read/write sequence counters. On top of it sits a message queue
which recycles payload buffers through eight capacity buckets (256 bytes
up to 32 KiB, power-of-two steps) so the realtime producer never has to
allocate in the steady state.

Thread safety:
  - LockFreeRingBuffer: exactly one reader goroutine, one writer goroutine.
  - LockFreeMessageQueue: safe when one goroutine produces (allocate+push)
    and one consumes (read+recycle).
  - MessageQueue: arbitrary producers/consumers behind one mutex, plus an
    atomic corked flag which makes allocation fail fast while corked.
*/

package main

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ------------------------------------------------------------------------------
// LockFreeRingBuffer
// ------------------------------------------------------------------------------

// LockFreeRingBuffer is an SPSC ring. The sequence counters never wrap
// modulo the ring size; indexing is done modulo separately so that
// (write - read) is always the number of unread elements.
type LockFreeRingBuffer[T any] struct {
	readCount   atomic.Uint64
	writeCount  atomic.Uint64
	readOffset  int // owned by the reader
	writeOffset int // owned by the writer
	ring        []T
}

func NewLockFreeRingBuffer[T any](count int) *LockFreeRingBuffer[T] {
	rb := &LockFreeRingBuffer[T]{}
	rb.Reset(count)
	return rb
}

func (rb *LockFreeRingBuffer[T]) Reset(count int) {
	if count < 1 {
		count = 1
	}
	rb.ring = make([]T, count)
	rb.readCount.Store(0)
	rb.writeCount.Store(0)
	rb.readOffset = 0
	rb.writeOffset = 0
}

func (rb *LockFreeRingBuffer[T]) ReadAvail() int {
	return int(rb.writeCount.Load() - rb.readCount.Load())
}

func (rb *LockFreeRingBuffer[T]) WriteAvail() int {
	return len(rb.ring) - int(rb.writeCount.Load()-rb.readCount.Load())
}

// WriteMany publishes count values atomically with respect to the
// sequence counters. The copy is split in two when it wraps.
func (rb *LockFreeRingBuffer[T]) WriteMany(values []T) bool {
	count := len(values)
	currentWritten := rb.writeCount.Load()
	currentRead := rb.readCount.Load()
	if count > len(rb.ring)-int(currentWritten-currentRead) {
		return false
	}

	first := min(len(rb.ring)-rb.writeOffset, count)
	copy(rb.ring[rb.writeOffset:], values[:first])
	rb.writeOffset += first
	if rb.writeOffset >= len(rb.ring) {
		rb.writeOffset -= len(rb.ring)
	}
	copy(rb.ring, values[first:])
	rb.writeOffset += count - first

	// Release: the stores above must be visible before the counter bump.
	rb.writeCount.Store(currentWritten + uint64(count))
	return true
}

func (rb *LockFreeRingBuffer[T]) ReadMany(values []T) bool {
	count := len(values)
	currentRead := rb.readCount.Load()
	currentWritten := rb.writeCount.Load()
	if count > int(currentWritten-currentRead) {
		return false
	}

	first := min(len(rb.ring)-rb.readOffset, count)
	copy(values, rb.ring[rb.readOffset:rb.readOffset+first])
	rb.readOffset += first
	if rb.readOffset >= len(rb.ring) {
		rb.readOffset -= len(rb.ring)
	}
	copy(values[first:], rb.ring[:count-first])
	rb.readOffset += count - first

	rb.readCount.Store(currentRead + uint64(count))
	return true
}

func (rb *LockFreeRingBuffer[T]) WriteOne(value T) bool {
	currentWritten := rb.writeCount.Load()
	currentRead := rb.readCount.Load()
	if int(currentWritten-currentRead) >= len(rb.ring) {
		return false
	}
	rb.ring[rb.writeOffset] = value
	rb.writeOffset++
	if rb.writeOffset >= len(rb.ring) {
		rb.writeOffset = 0
	}
	rb.writeCount.Store(currentWritten + 1)
	return true
}

func (rb *LockFreeRingBuffer[T]) ReadOne(value *T) bool {
	currentRead := rb.readCount.Load()
	currentWritten := rb.writeCount.Load()
	if currentWritten == currentRead {
		return false
	}
	var zero T
	*value = rb.ring[rb.readOffset]
	rb.ring[rb.readOffset] = zero
	rb.readOffset++
	if rb.readOffset >= len(rb.ring) {
		rb.readOffset = 0
	}
	rb.readCount.Store(currentRead + 1)
	return true
}

// ------------------------------------------------------------------------------
// MessageQueuePayload
// ------------------------------------------------------------------------------

// MessageQueuePayload carries an opaque buffer plus a typed handle.
// The handle may point at something other than the raw buffer start,
// which mirrors how event objects are constructed in-place into the
// payload storage with their own identity.
type MessageQueuePayload struct {
	data   []byte
	handle any
	size   int
}

func (p *MessageQueuePayload) Valid() bool   { return p.data != nil }
func (p *MessageQueuePayload) Size() int     { return p.size }
func (p *MessageQueuePayload) Capacity() int { return cap(p.data) }

func (p *MessageQueuePayload) SetSize(size int) {
	if size > cap(p.data) {
		panic("message queue payload size exceeds capacity")
	}
	p.size = size
}

func (p *MessageQueuePayload) Data() []byte { return p.data[:cap(p.data)] }

func (p *MessageQueuePayload) SetPayloadHandle(handle any) { p.handle = handle }
func (p *MessageQueuePayload) PayloadHandle() any          { return p.handle }

func (p *MessageQueuePayload) setPayloadData(data []byte) {
	p.data = data
}

// ------------------------------------------------------------------------------
// LockFreeMessageQueue
// ------------------------------------------------------------------------------

const messageQueueBuckets = 8

// LockFreeMessageQueue recycles payload buffers through per-capacity
// write rings and publishes written payloads through one read ring.
type LockFreeMessageQueue struct {
	readRing        LockFreeRingBuffer[MessageQueuePayload]
	writeRing       [messageQueueBuckets]LockFreeRingBuffer[MessageQueuePayload]
	payloadCapacity [messageQueueBuckets]int
}

func NewLockFreeMessageQueue() *LockFreeMessageQueue {
	q := &LockFreeMessageQueue{}
	for i := 0; i < messageQueueBuckets; i++ {
		q.payloadCapacity[i] = 256 << i
	}
	for i := 0; i < messageQueueBuckets; i++ {
		q.writeRing[i].Reset((16 * 1024) >> i)
	}
	q.readRing.Reset(32 * 1024)

	// Pre-fill the recycle rings so the steady state never allocates.
	for i := 0; i < messageQueueBuckets; i++ {
		count := 512 >> i
		for j := 0; j < count; j++ {
			var payload MessageQueuePayload
			payload.setPayloadData(make([]byte, q.payloadCapacity[i]))
			q.RecyclePayload(payload)
		}
	}
	return q
}

func (q *LockFreeMessageQueue) AvailableReadMessages() int {
	return q.readRing.ReadAvail()
}

func (q *LockFreeMessageQueue) ReadMessage() MessageQueuePayload {
	var payload MessageQueuePayload
	q.readRing.ReadOne(&payload)
	return payload
}

func (q *LockFreeMessageQueue) PushWrittenPayload(payload MessageQueuePayload) bool {
	return q.readRing.WriteOne(payload)
}

func (q *LockFreeMessageQueue) RecyclePayload(payload MessageQueuePayload) {
	payload.handle = nil
	payload.size = 0
	for i := 0; i < messageQueueBuckets; i++ {
		if payload.Capacity() == q.payloadCapacity[i] {
			q.writeRing[i].WriteOne(payload)
			return
		}
	}
	// Oversized one-off allocations just fall off here and get GCed.
}

func (q *LockFreeMessageQueue) AllocateWritePayload(size int) MessageQueuePayload {
	var payload MessageQueuePayload
	for i := 0; i < messageQueueBuckets; i++ {
		if size <= q.payloadCapacity[i] {
			if !q.writeRing[i].ReadOne(&payload) {
				payload.setPayloadData(make([]byte, q.payloadCapacity[i]))
			}
			return payload
		}
	}
	payload.setPayloadData(make([]byte, size))
	return payload
}

// ------------------------------------------------------------------------------
// MessageQueue
// ------------------------------------------------------------------------------

// MessageQueue wraps LockFreeMessageQueue for multi-producer /
// multi-consumer use. Starts corked; nothing is accepted until the
// consumer side is up.
type MessageQueue struct {
	queue  *LockFreeMessageQueue
	lock   sync.Mutex
	corked atomic.Bool
}

func NewMessageQueue() *MessageQueue {
	q := &MessageQueue{queue: NewLockFreeMessageQueue()}
	q.corked.Store(true)
	return q
}

func (q *MessageQueue) Cork()            { q.corked.Store(true) }
func (q *MessageQueue) Uncork()          { q.corked.Store(false) }
func (q *MessageQueue) IsUncorked() bool { return !q.corked.Load() }

func (q *MessageQueue) AllocateWritePayload(size int) MessageQueuePayload {
	if q.corked.Load() {
		return MessageQueuePayload{}
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.queue.AllocateWritePayload(size)
}

func (q *MessageQueue) PushWrittenPayload(payload MessageQueuePayload) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.queue.PushWrittenPayload(payload)
}

func (q *MessageQueue) AvailableReadMessages() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.queue.AvailableReadMessages()
}

func (q *MessageQueue) ReadMessage() MessageQueuePayload {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.queue.ReadMessage()
}

func (q *MessageQueue) RecyclePayload(payload MessageQueuePayload) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.queue.RecyclePayload(payload)
}

// Log places a tagged, formatted message onto the queue. Returns false
// while corked so callers can fall back to direct logging.
func (q *MessageQueue) Log(tag, format string, args ...any) bool {
	if !q.IsUncorked() {
		return false
	}
	message := tag + fmt.Sprintf(format, args...)
	message = strings.TrimRight(message, "\n")

	payload := q.AllocateWritePayload(len(message))
	if !payload.Valid() {
		return true
	}
	copy(payload.Data(), message)
	payload.SetSize(len(message))
	q.PushWrittenPayload(payload)
	return true
}
