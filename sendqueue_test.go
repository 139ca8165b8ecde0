// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDest = netip.MustParseAddrPort("127.0.0.1:9000")

func TestSendQueueOrder(t *testing.T) {
	q := newSendQueue(4)
	for i := byte(0); i < 3; i++ {
		require.NoError(t, q.push(testDest, []byte{i}))
	}
	assert.Equal(t, 3, q.queued())

	ctx := context.Background()
	for i := byte(0); i < 3; i++ {
		item, err := q.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, testDest, item.addr)
		assert.Equal(t, []byte{i}, item.data)
	}
	assert.Equal(t, 0, q.queued())
}

func TestSendQueueCopiesData(t *testing.T) {
	q := newSendQueue(1)
	buf := []byte("abc")
	require.NoError(t, q.push(testDest, buf))
	buf[0] = 'x'

	item, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), item.data)
}

func TestSendQueueDropsNewest(t *testing.T) {
	q := newSendQueue(2)
	require.NoError(t, q.push(testDest, []byte("first")))
	require.NoError(t, q.push(testDest, []byte("second")))
	require.ErrorIs(t, q.push(testDest, []byte("third")), errSendQueueFull)
	assert.EqualValues(t, 1, q.droppedCount())

	item, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", string(item.data))

	require.NoError(t, q.push(testDest, []byte("fourth")))
	item, err = q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", string(item.data))
	item, err = q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fourth", string(item.data))
}

func TestSendQueueCloseDrains(t *testing.T) {
	q := newSendQueue(4)
	require.NoError(t, q.push(testDest, []byte("pending")))
	q.close()
	require.ErrorIs(t, q.push(testDest, []byte("late")), net.ErrClosed)

	item, err := q.pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pending", string(item.data))

	_, err = q.pop(context.Background())
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestSendQueuePopWaits(t *testing.T) {
	q := newSendQueue(4)
	got := make(chan outgoingDatagram, 1)
	go func() {
		item, err := q.pop(context.Background())
		if err == nil {
			got <- item
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("pop returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.push(testDest, []byte("wake")))
	select {
	case item, ok := <-got:
		require.True(t, ok)
		assert.Equal(t, "wake", string(item.data))
	case <-time.After(5 * time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestSendQueueClosedWakesPop(t *testing.T) {
	q := newSendQueue(4)
	errs := make(chan error, 1)
	go func() {
		_, err := q.pop(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.close()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pop did not return after close")
	}
}

func TestSendQueuePopContext(t *testing.T) {
	q := newSendQueue(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
