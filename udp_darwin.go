// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"golang.org/x/sys/unix"
)

const (
	ipDontFrag   = 28 // in bsd/netinet/in.h as of xnu 7195.50.7.100.1
	ipv6DontFrag = 62 // in bsd/netinet6/in6.h
)

func systemSetupUDPSocket(sm *socketManager) error {
	option := ipDontFrag
	level := unix.IPPROTO_IP
	if !sm.LocalAddr().addrPort().Addr().Is4() {
		option = ipv6DontFrag
		level = unix.IPPROTO_IPV6
	}
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), level, option, 1)
	})
	if callErr != nil {
		return callErr
	}
	if err != nil {
		// Mac OSes older than 11.3 Big Sur do not support the IPv4
		// IP_DONTFRAG. We carry on, and may lose some performance to IP
		// fragmentation.
		sm.logger.Info("could not set DONTFRAG option on UDP socket", "error", err.Error())
	}
	return nil
}

// processUDPErrorQueue does nothing; darwin has no socket error queue.
func processUDPErrorQueue(*socketManager) {}
