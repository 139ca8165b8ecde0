// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockExtendedErrSize is sizeof(struct sock_extended_err).
const sockExtendedErrSize = 16

func systemSetupUDPSocket(sm *socketManager) error {
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		return err
	}
	is4 := sm.LocalAddr().addrPort().Addr().Is4()
	callErr := sc.Control(func(fd uintptr) {
		// path MTU discovery forces the don't-fragment flag on for all
		// outgoing datagrams; IP_RECVERR queues the ICMP errors they cause,
		// including the MTU updates.
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil && is4 {
			sm.logger.Error(err, "could not set IP_MTU_DISCOVER option on UDP socket")
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVERR, 1); err != nil && is4 {
			sm.logger.Error(err, "could not enable error message queue with IP_RECVERR on UDP socket")
		}
		if is4 {
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO); err != nil {
			sm.logger.Error(err, "could not set IPV6_MTU_DISCOVER option on UDP socket")
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1); err != nil {
			sm.logger.Error(err, "could not enable error message queue with IPV6_RECVERR on UDP socket")
		}
	})
	return callErr
}

// queuedError is one entry of the socket's error queue: the datagram we
// sent, where it was going, and what went wrong.
type queuedError struct {
	dest    netip.AddrPort
	payload []byte
	errno   unix.Errno
	origin  uint8
	info    uint32
}

// processUDPErrorQueue drains the socket's error queue (see IP_RECVERR in
// ip(7)). Path MTU updates lower the MTU used for the destination; ICMP
// unreachable errors reset the connection the quoted datagram belongs to.
func processUDPErrorQueue(sm *socketManager) {
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		sm.logger.Error(err, "could not access SyscallConn interface of UDP socket")
		return
	}

	var queued []queuedError
	callErr := sc.Control(func(fd uintptr) {
		payload := make([]byte, maxDatagramSize)
		oob := make([]byte, 1024)
		for {
			n, oobn, flags, from, err := unix.Recvmsg(int(fd), payload, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
			if err != nil {
				if !errors.Is(err, unix.EAGAIN) {
					sm.logger.Error(err, "could not read UDP socket error queue")
				}
				return
			}
			if flags&unix.MSG_CTRUNC != 0 {
				sm.logger.Info("error queue control data truncated", "oob-len", oobn)
			}
			cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				sm.logger.Error(err, "could not parse socket control messages")
				continue
			}
			for _, cmsg := range cmsgs {
				isIPErr := cmsg.Header.Level == unix.IPPROTO_IP && cmsg.Header.Type == unix.IP_RECVERR
				isIPv6Err := cmsg.Header.Level == unix.IPPROTO_IPV6 && cmsg.Header.Type == unix.IPV6_RECVERR
				if (!isIPErr && !isIPv6Err) || len(cmsg.Data) < sockExtendedErrSize {
					sm.logger.Info("unexpected control message on UDP socket error queue",
						"level", cmsg.Header.Level, "type", cmsg.Header.Type,
						"data", fmt.Sprintf("%x", cmsg.Data))
					continue
				}
				queued = append(queued, queuedError{
					dest:    sockaddrToAddrPort(from),
					payload: append([]byte(nil), payload[:n]...),
					errno:   unix.Errno(binary.NativeEndian.Uint32(cmsg.Data[0:4])),
					origin:  cmsg.Data[4],
					info:    binary.NativeEndian.Uint32(cmsg.Data[8:12]),
				})
			}
		}
	})
	if callErr != nil {
		sm.logger.Error(callErr, "could not process UDP error queue")
	}

	for _, qe := range queued {
		switch {
		case qe.errno == unix.EMSGSIZE:
			sm.adjustMTUFor(qe.dest.Addr(), int(qe.info))
		case qe.origin != unix.SO_EE_ORIGIN_ICMP && qe.origin != unix.SO_EE_ORIGIN_ICMP6:
			sm.logger.V(1).Info("local error on UDP socket", "remote", qe.dest.String(), "error", qe.errno)
		case qe.errno == unix.ECONNREFUSED, qe.errno == unix.EHOSTUNREACH, qe.errno == unix.ENETUNREACH:
			sm.handleICMP(qe.payload, qe.dest)
		default:
			sm.logger.V(1).Info("ignoring ICMP error", "remote", qe.dest.String(), "error", qe.errno)
		}
	}
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
