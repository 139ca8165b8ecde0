// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build linux || darwin

package utp_file

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/ledbat-utp/libutp"
)

type testSender struct {
	libutp.NopHandler

	data      []byte
	closed    bool
	destroyed bool
	err       error
}

func (ts *testSender) OnState(s *libutp.Socket, state libutp.State) {
	switch state {
	case libutp.StateConnect, libutp.StateWritable:
		for len(ts.data) > 0 {
			n, err := s.Write(ts.data)
			ts.data = ts.data[n:]
			if err != nil {
				if !errors.Is(err, libutp.ErrWouldBlock) {
					ts.err = err
				}
				return
			}
		}
		if !ts.closed {
			ts.closed = true
			ts.err = s.Close()
		}
	case libutp.StateDestroying:
		ts.destroyed = true
	}
}

func (ts *testSender) OnError(_ *libutp.Socket, err error) {
	// the peer may reset once it has our FIN and has closed too
	if ts.closed && errors.Is(err, libutp.ErrConnectionReset) {
		return
	}
	ts.err = err
}

type testReceiver struct {
	libutp.NopHandler

	got       bytes.Buffer
	gotEOF    bool
	destroyed bool
}

func (tr *testReceiver) OnRead(_ *libutp.Socket, p []byte) { tr.got.Write(p) }

func (tr *testReceiver) OnState(s *libutp.Socket, state libutp.State) {
	switch state {
	case libutp.StateEOF:
		tr.gotEOF = true
		_ = s.Close()
	case libutp.StateDestroying:
		tr.destroyed = true
	}
}

func newTestManager(t *testing.T, incoming libutp.IncomingFunc) *UDPSocketManager {
	sock, err := MakeSocket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	logger := zapr.NewLogger(zaptest.NewLogger(t))
	sm, err := NewUDPSocketManager(logger, libutp.DefaultConfig(), sock, incoming)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Close() })
	return sm
}

func runUntil(t *testing.T, timeout time.Duration, cond func() bool, managers ...*UDPSocketManager) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached within %s", timeout)
		for _, sm := range managers {
			require.NoError(t, sm.Select(2*time.Millisecond))
			sm.CheckTimeouts()
		}
	}
}

func TestSocketManagerTransfer(t *testing.T) {
	payload := make([]byte, 300*1024)
	_, _ = rand.New(rand.NewSource(1)).Read(payload)

	receiver := &testReceiver{}
	var accepted *libutp.Socket
	recvSM := newTestManager(t, func(s *libutp.Socket) libutp.Handler {
		accepted = s
		return receiver
	})
	var capture bytes.Buffer
	recorder, err := NewPcapRecorder(&capture, recvSM.LocalAddr())
	require.NoError(t, err)
	recvSM.SetRecorder(recorder)

	sendSM := newTestManager(t, nil)
	sender := &testSender{data: payload}
	s, err := sendSM.Create(recvSM.LocalAddr())
	require.NoError(t, err)
	s.SetHandler(sender)
	require.NoError(t, s.Connect())

	runUntil(t, 30*time.Second, func() bool {
		return sender.destroyed && receiver.destroyed
	}, sendSM, recvSM)

	require.NoError(t, sender.err)
	require.NotNil(t, accepted)
	assert.True(t, receiver.gotEOF)
	assert.Equal(t, payload, receiver.got.Bytes())
	assert.Zero(t, sendSM.NumSockets())
	assert.Zero(t, recvSM.NumSockets())
	assert.Greater(t, sendSM.TotalSent(), int64(len(payload)))
	assert.Greater(t, recvSM.TotalRecv(), int64(0))

	captured, err := ReadCapture(&capture)
	require.NoError(t, err)
	require.NotEmpty(t, captured)
	assert.Equal(t, libutp.PacketSyn, captured[0].UTP.Type)
	assert.Equal(t, sendSM.LocalAddr().Port(), captured[0].Src.Port())

	var dataBytes int
	for _, cp := range captured {
		if cp.UTP.Type == libutp.PacketData && cp.Dst.Port() == recvSM.LocalAddr().Port() {
			dataBytes += len(cp.UTP.LayerPayload())
		}
	}
	assert.GreaterOrEqual(t, dataBytes, len(payload))
}

func TestSocketManagerRejectsConnection(t *testing.T) {
	recvSM := newTestManager(t, func(*libutp.Socket) libutp.Handler { return nil })
	sendSM := newTestManager(t, nil)

	sender := &testSender{data: []byte("unwanted")}
	s, err := sendSM.Create(recvSM.LocalAddr())
	require.NoError(t, err)
	s.SetHandler(sender)
	require.NoError(t, s.Connect())

	runUntil(t, 10*time.Second, func() bool { return sender.destroyed }, sendSM, recvSM)
	require.Error(t, sender.err)
	assert.Zero(t, recvSM.NumSockets())
}
