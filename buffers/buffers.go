// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers provides a fixed-size byte ring that goroutines can block
// on, waiting for data to read or for room to write.
package buffers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned when appending to, or waiting on, a closed
	// buffer.
	ErrClosed = errors.New("sync buffer is closed")
	// ErrReaderAlreadyWaiting is returned when a second goroutine tries to
	// wait for data.
	ErrReaderAlreadyWaiting = errors.New("a reader is already waiting")
	// ErrWriterAlreadyWaiting is returned when a second goroutine tries to
	// wait for space.
	ErrWriterAlreadyWaiting = errors.New("a writer is already waiting")
)

// SyncCircularBuffer is a byte ring safe for concurrent use. At most one
// reader and one writer may be waiting on it at a time.
//
// Closing the buffer refuses further appends and wakes every waiter, but
// data already in the buffer can still be consumed.
type SyncCircularBuffer struct {
	lock   sync.Mutex
	buffer []byte
	start  int
	used   int
	closed bool

	readWaiter       chan struct{}
	readSizeTrigger  int
	writeWaiter      chan struct{}
	writeSizeTrigger int
}

// NewSyncBuffer creates a buffer holding up to size bytes.
func NewSyncBuffer(size int) *SyncCircularBuffer {
	return &SyncCircularBuffer{buffer: make([]byte, size)}
}

// Size returns the capacity of the buffer.
func (sb *SyncCircularBuffer) Size() int { return len(sb.buffer) }

// WaitForBytesChan returns a channel that becomes readable once the buffer
// holds at least n bytes, or the buffer is closed. cancelWait must be called
// if the caller stops waiting before that.
func (sb *SyncCircularBuffer) WaitForBytesChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.readWaiter != nil {
		return nil, nil, ErrReaderAlreadyWaiting
	}
	if sb.used >= n || sb.closed {
		return fired(), func() {}, nil
	}
	rw := make(chan struct{}, 1)
	sb.readWaiter = rw
	sb.readSizeTrigger = n
	return rw, func() { sb.cancelReadWait(rw) }, nil
}

// WaitForSpaceChan returns a channel that becomes readable once at least n
// bytes are free, or the buffer is closed. cancelWait must be called if the
// caller stops waiting before that.
func (sb *SyncCircularBuffer) WaitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.waitForSpaceChan(n)
}

func (sb *SyncCircularBuffer) waitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	if sb.writeWaiter != nil {
		return nil, nil, ErrWriterAlreadyWaiting
	}
	if sb.spaceAvailable() >= n || sb.closed {
		return fired(), func() {}, nil
	}
	ww := make(chan struct{}, 1)
	sb.writeWaiter = ww
	sb.writeSizeTrigger = n
	return ww, func() { sb.cancelWriteWait(ww) }, nil
}

func fired() chan struct{} {
	c := make(chan struct{}, 1)
	c <- struct{}{}
	close(c)
	return c
}

func (sb *SyncCircularBuffer) cancelWriteWait(waitChan chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.writeWaiter == waitChan {
		sb.writeWaiter = nil
	}
}

func (sb *SyncCircularBuffer) cancelReadWait(waitChan chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.readWaiter == waitChan {
		sb.readWaiter = nil
	}
}

// Append adds all of data to the buffer, blocking as needed until there is
// room. Data larger than the buffer is appended in pieces.
func (sb *SyncCircularBuffer) Append(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n, err := sb.TryAppendSome(data)
		if err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
		waitForSpace, cancelWait, err := sb.WaitForSpaceChan(min(len(data), sb.Size()))
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case <-waitForSpace:
		}
	}
	return nil
}

// Consume reads up to len(data) bytes, blocking until at least one is
// available. Once the buffer is closed and empty it returns ErrClosed.
func (sb *SyncCircularBuffer) Consume(ctx context.Context, data []byte) (n int, err error) {
	for {
		if n, ok := sb.TryConsume(data); ok {
			return n, nil
		}
		waitChan, cancelWait, err := sb.WaitForBytesChan(1)
		if err != nil {
			return 0, err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return 0, ctx.Err()
		case <-waitChan:
			if sb.Closed() && sb.SpaceUsed() == 0 {
				return 0, ErrClosed
			}
		}
	}
}

// ConsumeFull fills data completely, blocking as needed.
func (sb *SyncCircularBuffer) ConsumeFull(ctx context.Context, data []byte) error {
	if len(data) > sb.Size() {
		return fmt.Errorf("cannot wait for %d bytes in a buffer of %d", len(data), sb.Size())
	}
	for {
		if sb.TryConsumeFull(data) {
			return nil
		}
		waitChan, cancelWait, err := sb.WaitForBytesChan(len(data))
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case <-waitChan:
			if sb.Closed() && sb.SpaceUsed() < len(data) {
				return ErrClosed
			}
		}
	}
}

// TryAppend appends all of data if it fits, and reports whether it did.
func (sb *SyncCircularBuffer) TryAppend(data []byte) (ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed || sb.spaceAvailable() < len(data) {
		return false
	}
	sb.pushToBuffer(data)
	return true
}

// TryAppendSome appends as much of data as fits without blocking.
func (sb *SyncCircularBuffer) TryAppendSome(data []byte) (n int, err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed {
		return 0, ErrClosed
	}
	n = min(len(data), sb.spaceAvailable())
	sb.pushToBuffer(data[:n])
	return n, nil
}

// TryConsume reads up to len(data) bytes without blocking. ok is false when
// the buffer is empty.
func (sb *SyncCircularBuffer) TryConsume(data []byte) (n int, ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.used == 0 {
		return 0, false
	}
	n = sb.copyOut(data)
	sb.discard(n)
	return n, true
}

// TryConsumeFull fills data completely if enough bytes are buffered.
func (sb *SyncCircularBuffer) TryConsumeFull(data []byte) (ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.used < len(data) {
		return false
	}
	sb.discard(sb.copyOut(data))
	return true
}

// Peek copies up to len(data) bytes from the front of the buffer without
// removing them.
func (sb *SyncCircularBuffer) Peek(data []byte) int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.copyOut(data)
}

// Discard removes n bytes from the front of the buffer, as after a Peek.
func (sb *SyncCircularBuffer) Discard(n int) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if n > sb.used {
		panic(fmt.Sprintf("internal error: discarding %d bytes of %d", n, sb.used))
	}
	sb.discard(n)
}

func (sb *SyncCircularBuffer) pushToBuffer(data []byte) {
	if len(data) == 0 {
		return
	}
	end := (sb.start + sb.used) % len(sb.buffer)
	copied := copy(sb.buffer[end:], data)
	copy(sb.buffer, data[copied:])
	sb.used += len(data)

	if sb.readWaiter != nil && sb.used >= sb.readSizeTrigger {
		wake(&sb.readWaiter)
	}
}

func (sb *SyncCircularBuffer) copyOut(data []byte) int {
	n := min(len(data), sb.used)
	if n == 0 {
		return 0
	}
	copied := copy(data[:n], sb.buffer[sb.start:])
	copy(data[copied:n], sb.buffer)
	return n
}

func (sb *SyncCircularBuffer) discard(n int) {
	if n == 0 {
		return
	}
	sb.start = (sb.start + n) % len(sb.buffer)
	sb.used -= n
	if sb.used == 0 {
		sb.start = 0
	}

	if sb.writeWaiter != nil && sb.spaceAvailable() >= sb.writeSizeTrigger {
		wake(&sb.writeWaiter)
	}
}

func wake(waiter *chan struct{}) {
	w := *waiter
	*waiter = nil
	w <- struct{}{}
	close(w)
}

// FlushAndClose waits until every byte has been consumed, then closes the
// buffer.
func (sb *SyncCircularBuffer) FlushAndClose(ctx context.Context) error {
	sb.lock.Lock()
	if sb.writeWaiter != nil {
		// a pending writer would never get its space
		wake(&sb.writeWaiter)
	}
	waitChan, cancelWait, err := sb.waitForSpaceChan(len(sb.buffer))
	sb.lock.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cancelWait()
		return ctx.Err()
	case <-waitChan:
	}
	sb.Close()
	return nil
}

// Close refuses further appends and wakes all waiters.
func (sb *SyncCircularBuffer) Close() {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	sb.closed = true
	if sb.readWaiter != nil {
		wake(&sb.readWaiter)
	}
	if sb.writeWaiter != nil {
		wake(&sb.writeWaiter)
	}
}

// Closed reports whether Close has been called.
func (sb *SyncCircularBuffer) Closed() bool {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.closed
}

// SpaceAvailable returns the number of bytes that can be appended without
// blocking.
func (sb *SyncCircularBuffer) SpaceAvailable() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.spaceAvailable()
}

func (sb *SyncCircularBuffer) spaceAvailable() int {
	return len(sb.buffer) - sb.used
}

// SpaceUsed returns the number of bytes waiting to be consumed.
func (sb *SyncCircularBuffer) SpaceUsed() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.used
}
