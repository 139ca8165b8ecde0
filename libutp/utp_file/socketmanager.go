// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build linux || darwin

// Package utp_file drives a libutp.SocketMultiplexer from a single goroutine
// with a poll loop, for the file transfer tools.
package utp_file

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"storj.io/ledbat-utp/libutp"
)

// MaxOutgoingQueueSize is the maximum number of datagrams held back while
// the UDP socket refuses writes.
const MaxOutgoingQueueSize = 256

const (
	socketBufferSize = 2 * 1024 * 1024
	maxDatagramSize  = 64 * 1024
)

// ErrOutgoingQueueFull is returned by Send when a datagram had to be dropped.
var ErrOutgoingQueueFull = errors.New("outgoing queue full")

// MakeSocket creates a new UDP socket with enlarged kernel buffers.
func MakeSocket(network, addr string) (*net.UDPConn, error) {
	sock, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, err
	}
	udpSock, ok := sock.(*net.UDPConn)
	if !ok {
		_ = sock.Close()
		return nil, fmt.Errorf("ListenPacket returned a %T instead of *net.UDPConn", sock)
	}

	if err := udpSock.SetReadBuffer(socketBufferSize); err != nil {
		_ = udpSock.Close()
		return nil, fmt.Errorf("could not set read buffer size: %w", err)
	}
	if err := udpSock.SetWriteBuffer(socketBufferSize); err != nil {
		_ = udpSock.Close()
		return nil, fmt.Errorf("could not set write buffer size: %w", err)
	}
	return udpSock, nil
}

type udpOutgoing struct {
	to  netip.AddrPort
	mem []byte
}

type udpIncoming struct {
	from netip.AddrPort
	mem  []byte
}

// UDPSocketManager owns a UDP socket and the multiplexer of the µTP
// connections on it. It is the multiplexer's libutp.Host. None of its
// methods may be called concurrently.
type UDPSocketManager struct {
	libutp.SystemServices
	*libutp.SocketMultiplexer

	socket   *net.UDPConn
	logger   logr.Logger
	outQueue []udpOutgoing
	recorder *PcapRecorder
	readBuf  []byte

	totalSent int64
	totalRecv int64
	dropped   int64
}

// NewUDPSocketManager creates a UDPSocketManager serving sock. incoming may
// be nil if the manager only dials out.
func NewUDPSocketManager(logger logr.Logger, cfg *libutp.Config, sock *net.UDPConn, incoming libutp.IncomingFunc) (*UDPSocketManager, error) {
	usm := &UDPSocketManager{
		SystemServices: libutp.NewSystemServices(),
		socket:         sock,
		logger:         logger,
		readBuf:        make([]byte, maxDatagramSize),
	}
	mx, err := libutp.NewSocketMultiplexer(usm, cfg, logger.WithName("libutp"), incoming)
	if err != nil {
		return nil, err
	}
	usm.SocketMultiplexer = mx
	return usm, nil
}

// SetRecorder arranges for all traffic to be written to r. A nil r stops
// recording.
func (usm *UDPSocketManager) SetRecorder(r *PcapRecorder) {
	usm.recorder = r
}

// LocalAddr returns the address the UDP socket is bound to.
func (usm *UDPSocketManager) LocalAddr() netip.AddrPort {
	return usm.socket.LocalAddr().(*net.UDPAddr).AddrPort()
}

// TotalSent returns the number of UDP payload bytes written to the socket.
func (usm *UDPSocketManager) TotalSent() int64 { return usm.totalSent }

// TotalRecv returns the number of UDP payload bytes read from the socket.
func (usm *UDPSocketManager) TotalRecv() int64 { return usm.totalRecv }

// Dropped returns the number of outgoing datagrams dropped for lack of queue
// space.
func (usm *UDPSocketManager) Dropped() int64 { return usm.dropped }

// Send implements libutp.Host. The datagram is written right away unless
// earlier ones are still queued.
func (usm *UDPSocketManager) Send(p []byte, addr netip.AddrPort) error {
	if usm.recorder != nil {
		if err := usm.recorder.RecordSent(p, addr); err != nil {
			usm.logger.Error(err, "could not record outgoing datagram")
		}
	}
	if len(usm.outQueue) == 0 {
		_, err := usm.socket.WriteToUDPAddrPort(p, addr)
		if err == nil {
			usm.totalSent += int64(len(p))
			return nil
		}
		usm.logger.V(1).Info("sendto failed; queueing", "remote", addr.String(), "error", err)
	}
	if len(usm.outQueue) >= MaxOutgoingQueueSize {
		usm.dropped++
		return ErrOutgoingQueueFull
	}
	usm.outQueue = append(usm.outQueue, udpOutgoing{to: addr, mem: append([]byte(nil), p...)})
	return nil
}

// Flush writes queued datagrams until the queue is empty or a write fails.
func (usm *UDPSocketManager) Flush() {
	for len(usm.outQueue) > 0 {
		uo := usm.outQueue[0]
		if _, err := usm.socket.WriteToUDPAddrPort(uo.mem, uo.to); err != nil {
			usm.logger.V(1).Info("sendto failed", "remote", uo.to.String(), "queued", len(usm.outQueue), "error", err)
			return
		}
		usm.totalSent += int64(len(uo.mem))
		usm.outQueue[0] = udpOutgoing{}
		usm.outQueue = usm.outQueue[1:]
	}
	usm.outQueue = nil
}

// Select blocks until data can be read from the UDP socket, or until blockTime
// has elapsed. Any available datagrams are passed on to the multiplexer.
func (usm *UDPSocketManager) Select(blockTime time.Duration) error {
	rawConn, err := usm.socket.SyscallConn()
	if err != nil {
		return err
	}
	var (
		received []udpIncoming
		pollErr  error
	)
	controlErr := rawConn.Control(func(fd uintptr) {
		var readable bool
		readable, pollErr = pollReadable(int(fd), blockTime)
		if pollErr == nil && readable {
			received = usm.receiveAll(int(fd))
		}
	})
	if controlErr != nil {
		return controlErr
	}
	if pollErr != nil {
		return pollErr
	}

	usm.Flush()
	for _, in := range received {
		if usm.recorder != nil {
			if err := usm.recorder.RecordReceived(in.mem, in.from); err != nil {
				usm.logger.Error(err, "could not record incoming datagram")
			}
		}
		if !usm.IsIncomingUTP(in.mem, in.from) {
			usm.logger.V(1).Info("received a non-µTP packet on UDP port", "source-addr", in.from.String())
		}
	}
	return nil
}

func pollReadable(fd int, blockTime time.Duration) (bool, error) {
	deadline := time.Now().Add(blockTime)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		timeout := max(time.Until(deadline).Milliseconds(), 0)
		n, err := unix.Poll(fds, int(timeout))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0, nil
	}
}

// receiveAll reads every datagram waiting on fd without blocking.
func (usm *UDPSocketManager) receiveAll(fd int) (received []udpIncoming) {
	for {
		n, from, err := unix.Recvfrom(fd, usm.readBuf, unix.MSG_DONTWAIT)
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET):
			// an ICMP error for some earlier datagram; there is no telling
			// which one from here
			usm.logger.V(1).Info("ICMP error reported on UDP socket", "error", err)
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return received
		default:
			usm.logger.Error(err, "could not read from UDP socket")
			return received
		}
		addr := sockaddrToAddrPort(from)
		if !addr.IsValid() {
			continue
		}
		usm.totalRecv += int64(n)
		received = append(received, udpIncoming{from: addr, mem: append([]byte(nil), usm.readBuf[:n]...)})
	}
}

// Close closes the UDP socket. Queued datagrams are discarded.
func (usm *UDPSocketManager) Close() error {
	usm.outQueue = nil
	return usm.socket.Close()
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port))
	}
	return netip.AddrPort{}
}
