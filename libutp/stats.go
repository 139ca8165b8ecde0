// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// Stats are counters collected for a particular Socket.
type Stats struct {
	NBytesRecv uint64 // total bytes received
	NBytesXmit uint64 // total bytes transmitted
	ReXmit     uint32 // retransmit counter
	FastReXmit uint32 // fast retransmit counter
	NXmit      uint32 // transmit counter
	NRecv      uint32 // receive counter (total)
	NDupRecv   uint32 // duplicate receive counter
}

func (s *Stats) transmitted(length int) {
	s.NBytesXmit += uint64(length)
	s.NXmit++
}

func (s *Stats) packetLost() {
	s.ReXmit++
}

func (s *Stats) packetReceived(length int) {
	s.NRecv++
	s.NBytesRecv += uint64(length)
}

func (s *Stats) fastTransmitted() {
	s.FastReXmit++
}

func (s *Stats) duplicateReceived() {
	s.NDupRecv++
}

const (
	packetSizeEmpty = 23
	packetSizeSmall = 373
	packetSizeMid   = 723
	packetSizeBig   = 1400
)

const (
	packetSizeEmptyBucket = iota
	packetSizeSmallBucket
	packetSizeMidBucket
	packetSizeBigBucket
	packetSizeHugeBucket

	numPacketSizeBuckets
)

// GlobalStats are counters shared by every socket of a SocketMultiplexer.
type GlobalStats struct {
	// datagrams received, bucketed by size: ≤23, ≤373, ≤723, ≤1400, larger
	NumRawRecv [numPacketSizeBuckets]uint32
	// datagrams sent, bucketed like NumRawRecv
	NumRawSend [numPacketSizeBuckets]uint32
	// datagrams the Host failed to send
	SendErrors uint32
}

func packetSizeBucket(length int) int {
	switch {
	case length <= packetSizeEmpty:
		return packetSizeEmptyBucket
	case length <= packetSizeSmall:
		return packetSizeSmallBucket
	case length <= packetSizeMid:
		return packetSizeMidBucket
	case length <= packetSizeBig:
		return packetSizeBigBucket
	default:
		return packetSizeHugeBucket
	}
}

func (g *GlobalStats) registerSent(length int) {
	g.NumRawSend[packetSizeBucket(length)]++
}

func (g *GlobalStats) registerRecv(length int) {
	g.NumRawRecv[packetSizeBucket(length)]++
}
