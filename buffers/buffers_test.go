// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestWrapAround(t *testing.T) {
	sb := NewSyncBuffer(10)

	require.True(t, sb.TryAppend([]byte("abcdefg")))
	out := make([]byte, 5)
	n, ok := sb.TryConsume(out)
	require.True(t, ok)
	require.Equal(t, "abcde", string(out[:n]))

	// crosses the end of the backing array
	require.True(t, sb.TryAppend([]byte("hijklmn")))
	require.False(t, sb.TryAppend([]byte("xx")))
	require.Equal(t, 9, sb.SpaceUsed())
	require.Equal(t, 1, sb.SpaceAvailable())

	out = make([]byte, 9)
	require.True(t, sb.TryConsumeFull(out))
	require.Equal(t, "fghijklmn", string(out))
	require.Equal(t, 0, sb.SpaceUsed())
}

func TestPeekDiscard(t *testing.T) {
	sb := NewSyncBuffer(8)
	require.True(t, sb.TryAppend([]byte("123456")))
	sb.Discard(4)
	require.True(t, sb.TryAppend([]byte("7890")))

	peeked := make([]byte, 16)
	n := sb.Peek(peeked)
	require.Equal(t, "567890", string(peeked[:n]))
	require.Equal(t, 6, sb.SpaceUsed())

	sb.Discard(3)
	n = sb.Peek(peeked)
	require.Equal(t, "890", string(peeked[:n]))
	require.Panics(t, func() { sb.Discard(4) })
}

func TestTryAppendSome(t *testing.T) {
	sb := NewSyncBuffer(4)
	n, err := sb.TryAppendSome([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = sb.TryAppendSome([]byte("g"))
	require.NoError(t, err)
	require.Zero(t, n)

	sb.Close()
	_, err = sb.TryAppendSome([]byte("g"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseDrains(t *testing.T) {
	sb := NewSyncBuffer(16)
	require.True(t, sb.TryAppend([]byte("left")))
	sb.Close()
	require.False(t, sb.TryAppend([]byte("over")))

	ctx := context.Background()
	out := make([]byte, 16)
	n, err := sb.Consume(ctx, out)
	require.NoError(t, err)
	require.Equal(t, "left", string(out[:n]))

	_, err = sb.Consume(ctx, out)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesWaiters(t *testing.T) {
	sb := NewSyncBuffer(4)
	require.True(t, sb.TryAppend([]byte("full")))

	var group errgroup.Group
	group.Go(func() error {
		return sb.Append(context.Background(), []byte("more"))
	})
	time.Sleep(10 * time.Millisecond)
	sb.Close()
	require.ErrorIs(t, group.Wait(), ErrClosed)
}

func TestContextCancelReleasesWaiter(t *testing.T) {
	sb := NewSyncBuffer(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sb.Consume(ctx, make([]byte, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the waiter slot is free again
	_, cancelWait, err := sb.WaitForBytesChan(1)
	require.NoError(t, err)
	cancelWait()
}

func TestSingleWaiter(t *testing.T) {
	sb := NewSyncBuffer(4)
	_, cancelWait, err := sb.WaitForBytesChan(1)
	require.NoError(t, err)
	defer cancelWait()

	_, _, err = sb.WaitForBytesChan(1)
	require.ErrorIs(t, err, ErrReaderAlreadyWaiting)

	require.True(t, sb.TryAppend([]byte("abcd")))
	_, cancelSpace, err := sb.WaitForSpaceChan(1)
	require.NoError(t, err)
	defer cancelSpace()
	_, _, err = sb.WaitForSpaceChan(1)
	require.ErrorIs(t, err, ErrWriterAlreadyWaiting)
}

func TestConsumeFullTooBig(t *testing.T) {
	sb := NewSyncBuffer(4)
	err := sb.ConsumeFull(context.Background(), make([]byte, 5))
	require.Error(t, err)
}

func TestConcurrentStream(t *testing.T) {
	const total = 1 << 20
	data := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(data)

	sb := NewSyncBuffer(1000)
	ctx := context.Background()
	var group errgroup.Group
	group.Go(func() error {
		rng := rand.New(rand.NewSource(2))
		for pos := 0; pos < total; {
			n := min(rng.Intn(3000)+1, total-pos)
			if err := sb.Append(ctx, data[pos:pos+n]); err != nil {
				return err
			}
			pos += n
		}
		return sb.FlushAndClose(ctx)
	})

	var got bytes.Buffer
	buf := make([]byte, 777)
	for {
		n, err := sb.Consume(ctx, buf)
		if err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			break
		}
		got.Write(buf[:n])
	}
	require.NoError(t, group.Wait())
	require.Equal(t, data, got.Bytes())
}
