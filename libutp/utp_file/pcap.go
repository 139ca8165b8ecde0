// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp_file

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"storj.io/ledbat-utp/libutp"
)

const pcapSnapLen = 65536

// LayerTypeUTP is the gopacket layer type of a µTP packet.
var LayerTypeUTP = gopacket.RegisterLayerType(2021, gopacket.LayerTypeMetadata{
	Name:    "uTP",
	Decoder: gopacket.DecodeFunc(decodeUTP),
})

// UTP is a decoded µTP packet header. Its payload is the stream data carried
// by the packet, if any.
type UTP struct {
	layers.BaseLayer
	libutp.Header
}

// LayerType implements gopacket.Layer.
func (u *UTP) LayerType() gopacket.LayerType { return LayerTypeUTP }

// CanDecode implements gopacket.DecodingLayer.
func (u *UTP) CanDecode() gopacket.LayerClass { return LayerTypeUTP }

// NextLayerType implements gopacket.DecodingLayer.
func (u *UTP) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes implements gopacket.DecodingLayer.
func (u *UTP) DecodeFromBytes(data []byte, _ gopacket.DecodeFeedback) error {
	h, payload, err := libutp.DecodePacket(data)
	if err != nil {
		return err
	}
	u.Header = h
	u.BaseLayer = layers.BaseLayer{
		Contents: data[:len(data)-len(payload)],
		Payload:  payload,
	}
	return nil
}

func decodeUTP(data []byte, p gopacket.PacketBuilder) error {
	u := &UTP{}
	if err := u.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(u)
	return p.NextDecoder(u.NextLayerType())
}

// PcapRecorder writes every datagram a UDPSocketManager sends or receives to
// a pcap stream, wrapped in synthesized IP and UDP headers so the capture
// opens in the usual tools.
type PcapRecorder struct {
	lock  sync.Mutex
	w     *pcapgo.Writer
	local netip.AddrPort
	buf   gopacket.SerializeBuffer
	now   func() time.Time
}

// NewPcapRecorder writes a pcap file header to w and returns a recorder for
// traffic seen by the UDP socket bound to local.
func NewPcapRecorder(w io.Writer, local netip.AddrPort) (*PcapRecorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("could not write pcap header: %w", err)
	}
	return &PcapRecorder{
		w:     pw,
		local: local,
		buf:   gopacket.NewSerializeBuffer(),
		now:   time.Now,
	}, nil
}

// RecordSent records a datagram sent to addr.
func (r *PcapRecorder) RecordSent(p []byte, addr netip.AddrPort) error {
	return r.record(r.local, addr, p)
}

// RecordReceived records a datagram received from addr.
func (r *PcapRecorder) RecordReceived(p []byte, addr netip.AddrPort) error {
	return r.record(addr, r.local, p)
}

func (r *PcapRecorder) record(src, dst netip.AddrPort, payload []byte) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	var ip gopacket.SerializableLayer
	srcIP, dstIP := src.Addr().Unmap(), dst.Addr().Unmap()
	if srcIP.Is4() && dstIP.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP.AsSlice(),
			DstIP:    dstIP.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
			return err
		}
		ip = ip4
	} else {
		src16, dst16 := srcIP.As16(), dstIP.As16()
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src16[:],
			DstIP:      dst16[:],
		}
		if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
			return err
		}
		ip = ip6
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(r.buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("could not serialize datagram: %w", err)
	}
	data := r.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if len(data) > pcapSnapLen {
		ci.CaptureLength = pcapSnapLen
		data = data[:pcapSnapLen]
	}
	return r.w.WritePacket(ci, data)
}

// CapturedPacket is one µTP packet read back from a capture.
type CapturedPacket struct {
	Timestamp time.Time
	Src, Dst  netip.AddrPort
	UTP       *UTP
}

// ReadCapture reads a capture written by PcapRecorder, returning the µTP
// packets in it. Datagrams that do not parse as µTP are skipped.
func ReadCapture(r io.Reader) ([]CapturedPacket, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not read pcap header: %w", err)
	}
	var captured []CapturedPacket
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return captured, nil
		}
		if err != nil {
			return captured, err
		}
		if len(data) == 0 {
			continue
		}
		first := layers.LayerTypeIPv4
		if data[0]>>4 == 6 {
			first = layers.LayerTypeIPv6
		}
		packet := gopacket.NewPacket(data, first, gopacket.Default)

		var srcIP, dstIP netip.Addr
		switch ip := packet.NetworkLayer().(type) {
		case *layers.IPv4:
			srcIP, _ = netip.AddrFromSlice(ip.SrcIP.To4())
			dstIP, _ = netip.AddrFromSlice(ip.DstIP.To4())
		case *layers.IPv6:
			srcIP, _ = netip.AddrFromSlice(ip.SrcIP)
			dstIP, _ = netip.AddrFromSlice(ip.DstIP)
		default:
			continue
		}
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		inner := gopacket.NewPacket(udp.Payload, LayerTypeUTP, gopacket.Default)
		utpLayer, ok := inner.Layer(LayerTypeUTP).(*UTP)
		if !ok {
			continue
		}
		captured = append(captured, CapturedPacket{
			Timestamp: ci.Timestamp,
			Src:       netip.AddrPortFrom(srcIP, uint16(udp.SrcPort)),
			Dst:       netip.AddrPortFrom(dstIP, uint16(udp.DstPort)),
			UTP:       utpLayer,
		})
	}
}
