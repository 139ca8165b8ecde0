// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"net"
	"net/netip"
)

// Addr represents the address of a µTP endpoint.
type Addr net.UDPAddr

// Network returns the address's network name, "utp".
func (a *Addr) Network() string { return "utp" }

func (a *Addr) String() string { return (*net.UDPAddr)(a).String() }

func (a *Addr) addrPort() netip.AddrPort {
	ap := (*net.UDPAddr)(a).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func addrFromAddrPort(ap netip.AddrPort) *Addr {
	return (*Addr)(net.UDPAddrFromAddrPort(ap))
}

// ResolveUTPAddr returns an address of µTP end point.
//
// The network must be a µTP network name: "utp", "utp4", or "utp6".
//
// See func net.Dial for a description of the network and address
// parameters.
func ResolveUTPAddr(network, address string) (*Addr, error) {
	udpNetwork, err := udpNetworkFor(network)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr(udpNetwork, address)
	if err != nil {
		return nil, err
	}
	return (*Addr)(udpAddr), nil
}

func udpNetworkFor(network string) (string, error) {
	switch network {
	case "utp", "utp4", "utp6":
		return "udp" + network[3:], nil
	}
	return "", net.UnknownNetworkError(network)
}
