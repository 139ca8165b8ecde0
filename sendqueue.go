// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
)

var errSendQueueFull = errors.New("send queue full")

type outgoingDatagram struct {
	addr netip.AddrPort
	data []byte
}

// sendQueue is a bounded FIFO of datagrams waiting to be written to the UDP
// socket. Pushing never blocks: when the queue is full the new datagram is
// dropped.
type sendQueue struct {
	lock    sync.Mutex
	items   []outgoingDatagram
	limit   int
	closed  bool
	dropped uint64

	// ready holds a token whenever items may be non-empty
	ready chan struct{}
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// push queues a copy of data for addr.
func (q *sendQueue) push(addr netip.AddrPort, data []byte) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return net.ErrClosed
	}
	if len(q.items) >= q.limit {
		q.dropped++
		return errSendQueueFull
	}
	q.items = append(q.items, outgoingDatagram{addr: addr, data: append([]byte(nil), data...)})
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the oldest queued datagram, waiting for one if necessary. After
// close, the remaining datagrams are still returned, followed by
// net.ErrClosed.
func (q *sendQueue) pop(ctx context.Context) (outgoingDatagram, error) {
	for {
		q.lock.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = outgoingDatagram{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				// let the backing array be reclaimed
				q.items = nil
			}
			q.lock.Unlock()
			return item, nil
		}
		closed := q.closed
		q.lock.Unlock()
		if closed {
			return outgoingDatagram{}, net.ErrClosed
		}

		select {
		case <-ctx.Done():
			return outgoingDatagram{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *sendQueue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.closed = true
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// queued returns the number of datagrams waiting to be written.
func (q *sendQueue) queued() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// droppedCount returns the number of datagrams dropped because the queue was
// full.
func (q *sendQueue) droppedCount() uint64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.dropped
}
