// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
)

// connState is a point in the µTP connection state diagram. It is distinct
// from State, which is what gets reported to a Handler.
type connState int

const (
	csIdle connState = iota
	csSynSent
	csConnected
	csFinSent
	csGotFin
	csDestroyDelay
	csDestroy
)

var connStateNames = []string{
	"IDLE", "SYN_SENT", "CONNECTED", "FIN_SENT", "GOT_FIN", "DESTROY_DELAY", "DESTROY",
}

func (cs connState) String() string {
	if int(cs) < len(connStateNames) {
		return connStateNames[cs]
	}
	return fmt.Sprintf("connState(%d)", int(cs))
}

// Option names a per-socket setting changed with (*Socket).SetSockOpt.
type Option int

const (
	// OptionSendBuffer caps the bytes in flight, in bytes.
	OptionSendBuffer Option = iota + 1
	// OptionRecvBuffer is the receive window we advertise when the
	// application has nothing buffered, in bytes.
	OptionRecvBuffer
	// OptionTargetDelay is the queuing delay target, in milliseconds.
	OptionTargetDelay
	// OptionMaxWindow caps the congestion window, in bytes. Zero removes the
	// cap.
	OptionMaxWindow
)

// Socket is one µTP connection. Sockets are created by a SocketMultiplexer,
// either with Create or when a SYN arrives, and must only be used from the
// goroutine that drives the multiplexer.
type Socket struct {
	mx      *SocketMultiplexer
	cfg     *Config
	logger  logr.Logger
	handler Handler

	addr netip.AddrPort

	// connSeed is the connection id named in the SYN. It identifies a
	// duplicate SYN together with synSeq.
	connSeed   uint16
	synSeq     uint16
	connIDRecv uint16
	connIDSend uint16
	incoming   bool

	state connState

	finSent  bool
	finAcked bool
	// gotFin is set when a FIN arrives; eofReached once every packet before
	// it has been delivered.
	gotFin      bool
	eofReached  bool
	eofPacket   uint16
	errReported bool
	// writableWanted is set when a Write was cut short, so the next room in
	// the window is reported with StateWritable.
	writableWanted bool

	// ackNum is the last sequence number delivered in order.
	ackNum uint16
	outbuf outgoingBuffer
	inbuf  reorderBuffer

	cc  congestionController
	rtt rttEstimator

	// peer's advertised receive window
	maxWindowUser int
	// the last window the peer advertised, for duplicate ack detection
	lastPeerWindow int
	// congestion window cap, zero for none
	windowCap      int
	sendBufferSize int
	recvBufferSize int

	outHist   delayHist
	theirHist delayHist
	// the last one-way delay we measured for the peer's packets, echoed in
	// every header we send
	replyMicro        uint32
	lastMeasuredDelay uint32

	duplicateAck int
	// fastResendSeqNum is the lowest sequence number a fast resend may still
	// pick, so that no packet is fast-resent twice
	fastResendSeqNum uint16
	fastTimeout      bool

	// deadlines in milliseconds
	rtoDeadline        uint32
	ackDeadline        uint32
	ackPending         bool
	bytesSinceAck      int
	lastSentPacket     uint32
	lastGotPacket      uint32
	zeroWindowDeadline uint32
	lingerDeadline     uint32
	finWaitDeadline    uint32
	lastReceiveWindow  int

	extensions [extensionBitsLen]byte

	stats Stats
}

func newSocket(mx *SocketMultiplexer, addr netip.AddrPort, recvID uint16) *Socket {
	now := mx.nowMS()
	cfg := mx.cfg
	s := &Socket{
		mx:             mx,
		cfg:            cfg,
		handler:        NopHandler{},
		addr:           addr,
		connSeed:       recvID,
		connIDRecv:     recvID,
		connIDSend:     recvID + 1,
		state:          csIdle,
		outbuf:         newOutgoingBuffer(outgoingBufferMaxSize),
		inbuf:          newReorderBuffer(cfg.ReorderSpan),
		rtt:            newRTTEstimator(durationMS(cfg.InitialRTO), durationMS(cfg.MinRTO), durationMS(cfg.MaxRTO)),
		windowCap:      cfg.MaxWindow,
		sendBufferSize: cfg.SendBufferSize,
		recvBufferSize: cfg.RecvBufferSize,
		maxWindowUser:  255 * maxPacketPayload,
		lastSentPacket: now,
		lastGotPacket:  now,
	}
	s.logger = mx.logger.WithValues("remote", addr.String(), "conn-id", recvID)
	s.outHist.clear(now)
	s.theirHist.clear(now)
	s.lastMeasuredDelay = now
	// one packet has to fit in the window when the connection starts
	s.cc = newCongestionController(cfg, s.minWindow(), now)
	return s
}

// outgoingBufferMaxSize bounds the number of unacked packets per socket.
const outgoingBufferMaxSize = 1024

// maxTargetDelayMS is the largest target delay, in milliseconds, that fits
// the controller's microsecond field.
const maxTargetDelayMS = math.MaxUint32 / 1000

// maxPacketPayload is an upper bound on PacketSize for any address.
const maxPacketPayload = ethernetMTU - HeaderSize

// SetHandler sets the receiver of this socket's notifications. A nil
// handler discards them.
func (s *Socket) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	s.handler = h
}

// RemoteAddr returns the address of the peer.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.addr }

// ConnID returns the connection id this socket receives packets on.
func (s *Socket) ConnID() uint16 { return s.connIDRecv }

// Incoming reports whether the peer initiated the connection.
func (s *Socket) Incoming() bool { return s.incoming }

// Extensions returns the extension bits the peer sent with its SYN or
// SYN-ACK.
func (s *Socket) Extensions() [8]byte { return s.extensions }

// Stats returns a copy of the socket's counters.
func (s *Socket) Stats() Stats { return s.stats }

// GetDelays returns our and the peer's current queuing delay estimates, and
// how long ago the last delay measurement arrived.
func (s *Socket) GetDelays() (ours, theirs time.Duration, age time.Duration) {
	ours = time.Duration(s.outHist.value()) * time.Microsecond
	theirs = time.Duration(s.theirHist.value()) * time.Microsecond
	age = time.Duration(s.mx.nowMS()-s.lastMeasuredDelay) * time.Millisecond
	return ours, theirs, age
}

// PacketSize returns the largest payload a single data packet carries.
func (s *Socket) PacketSize() int {
	return s.mx.host.UDPMTU(s.addr) - HeaderSize
}

// Overhead returns the per-packet header bytes, including IP and UDP.
func (s *Socket) Overhead() int {
	return s.mx.host.UDPOverhead(s.addr) + HeaderSize
}

// SetSockOpt changes a per-socket setting.
func (s *Socket) SetSockOpt(opt Option, val int) error {
	switch opt {
	case OptionSendBuffer:
		if val < 1 {
			return fmt.Errorf("%w: send buffer %d", ErrInvalidOption, val)
		}
		s.sendBufferSize = val
		s.cc.clamp(s.minWindow(), s.windowLimit())
	case OptionRecvBuffer:
		if val < 1 {
			return fmt.Errorf("%w: receive buffer %d", ErrInvalidOption, val)
		}
		s.recvBufferSize = val
	case OptionTargetDelay:
		if val < 1 || val > maxTargetDelayMS {
			return fmt.Errorf("%w: target delay %dms", ErrInvalidOption, val)
		}
		s.cc.target = uint32(val) * 1000
	case OptionMaxWindow:
		if val < 0 || (val > 0 && val < s.minWindow()) {
			return fmt.Errorf("%w: window cap %d", ErrInvalidOption, val)
		}
		s.windowCap = val
		s.cc.clamp(s.minWindow(), s.windowLimit())
	default:
		return fmt.Errorf("%w: %d", ErrInvalidOption, int(opt))
	}
	return nil
}

// minWindow is the floor of the congestion window, never less than one
// packet.
func (s *Socket) minWindow() int {
	return max(s.cfg.MinWindow, s.PacketSize())
}

// windowLimit is the ceiling of the congestion window.
func (s *Socket) windowLimit() int {
	limit := s.sendBufferSize
	if s.windowCap > 0 && s.windowCap < limit {
		limit = s.windowCap
	}
	return limit
}

// sendLimit is the number of bytes that may be in flight right now.
func (s *Socket) sendLimit() int {
	return min(s.cc.maxWindow, s.maxWindowUser, s.sendBufferSize)
}

// rcvWindow is the receive window we advertise. Room for less than a full
// packet is advertised as none, unless nothing is buffered at all.
func (s *Socket) rcvWindow() int {
	buffered := s.handler.ReadBufferSize(s)
	if buffered == 0 {
		return s.recvBufferSize
	}
	if free := s.recvBufferSize - buffered; free >= maxPacketPayload {
		return free
	}
	return 0
}

// canBuffer reports whether n more bytes may be handed to the application.
func (s *Socket) canBuffer(n int) bool {
	buffered := s.handler.ReadBufferSize(s)
	return buffered == 0 || buffered+n <= s.recvBufferSize
}

// Connect starts the handshake with the socket's remote address. The
// outcome is reported through the Handler: StateConnect on success, or
// OnError.
func (s *Socket) Connect() error {
	if s.state != csIdle {
		return fmt.Errorf("connect in state %s: %w", s.state, ErrInvalidState)
	}
	now := s.mx.nowMS()

	s.outbuf.seqNum = uint16(s.mx.host.Random())
	s.fastResendSeqNum = s.outbuf.seqNum
	s.state = csSynSent

	s.logger.V(1).Info("connecting",
		"seq-nr", s.outbuf.seqNum,
		"packet-size", s.PacketSize(),
		"target-delay", time.Duration(s.cc.target)*time.Microsecond)

	s.rtt.reset()
	s.rtoDeadline = now + s.rtt.timeout

	// SYN packets carry the receive id, not the send id
	pkt := &outgoingPacket{header: Header{
		Type:          PacketSyn,
		ConnID:        s.connIDRecv,
		ExtensionBits: make([]byte, extensionBitsLen),
	}}
	s.outbuf.push(pkt)
	s.sendPacket(pkt)

	s.handler.OnState(s, StateConnecting)
	return nil
}

// Write admits as much of p into the send window as fits, sending it
// immediately, and returns the number of bytes admitted. When not all of p
// fits, it returns ErrWouldBlock and reports StateWritable once more room
// opens.
func (s *Socket) Write(p []byte) (int, error) {
	switch {
	case s.finSent, s.state == csFinSent, s.state == csDestroyDelay, s.state == csDestroy:
		return 0, ErrClosed
	case s.state != csConnected && s.state != csGotFin:
		return 0, fmt.Errorf("write in state %s: %w", s.state, ErrInvalidState)
	}
	now := s.mx.nowMS()
	packetSize := s.PacketSize()

	written := 0
	for written < len(p) {
		chunk := min(len(p)-written, packetSize)
		if !s.canAdmit(chunk, now) {
			break
		}
		s.queuePacket(PacketData, p[written:written+chunk])
		written += chunk
	}
	if written < len(p) {
		s.writableWanted = true
		s.logger.V(10).Info("write blocked",
			"admitted", written, "requested", len(p),
			"cur-window", s.outbuf.inFlight, "max-window", s.cc.maxWindow,
			"peer-window", s.maxWindowUser)
		return written, ErrWouldBlock
	}
	return written, nil
}

// canAdmit reports whether a packet with n payload bytes may be queued now.
func (s *Socket) canAdmit(n int, now uint32) bool {
	// one slot stays free for the FIN
	if s.outbuf.full() {
		return false
	}
	if s.outbuf.inFlight+s.PacketSize() >= s.cc.maxWindow {
		s.cc.markMaxedOut(now)
	}
	return s.canSend(n)
}

// canSend reports whether a packet with n payload bytes may go on the wire.
// A single packet is always allowed when nothing is in flight, so a window
// smaller than a packet still makes progress.
func (s *Socket) canSend(n int) bool {
	if s.outbuf.inFlight+n <= s.sendLimit() {
		return true
	}
	return s.outbuf.inFlight == 0 && s.maxWindowUser > 0
}

// RBDrained tells the socket the application consumed its read buffer, so
// a window update can go out.
func (s *Socket) RBDrained() {
	rcvwin := s.rcvWindow()
	if rcvwin <= s.lastReceiveWindow {
		return
	}
	if s.lastReceiveWindow == 0 {
		s.sendAck()
	} else {
		s.scheduleAck(s.mx.nowMS(), durationMS(s.cfg.DelayedAckTime))
	}
}

// Close starts an orderly shutdown. Buffered data is still delivered; the
// socket reports StateDestroying once the shutdown completes.
func (s *Socket) Close() error {
	now := s.mx.nowMS()
	s.logger.V(1).Info("close", "state", s.state)

	switch s.state {
	case csIdle:
		s.state = csDestroy
	case csSynSent:
		s.state = csDestroyDelay
		s.lingerDeadline = now + min(2*s.rtt.RTO(), durationMS(s.cfg.MaxLinger))
	case csConnected:
		s.state = csFinSent
		s.sendFin()
	case csGotFin:
		if s.finSent {
			return ErrClosed
		}
		s.sendFin()
	default:
		return ErrClosed
	}
	return nil
}

func (s *Socket) sendFin() {
	s.finSent = true
	s.writableWanted = false
	s.queuePacket(PacketFin, nil)
}

// fail reports err (at most once per socket) and marks the socket for
// destruction.
func (s *Socket) fail(err error) {
	if s.state == csDestroy {
		return
	}
	s.logger.V(1).Info("connection failed", "state", s.state, "error", err)
	s.state = csDestroy
	if !s.errReported {
		s.errReported = true
		s.handler.OnError(s, err)
	}
}

// onReset handles a reset from the peer, or an ICMP error about it.
func (s *Socket) onReset() {
	switch s.state {
	case csIdle, csDestroy:
		return
	case csDestroyDelay:
		s.state = csDestroy
	case csSynSent:
		s.fail(ErrConnectionRefused)
	default:
		s.fail(ErrConnectionReset)
	}
}

// protocolViolation resets the connection.
func (s *Socket) protocolViolation(reason string) {
	s.logger.Info("protocol violation, resetting connection", "reason", reason, "state", s.state)
	s.sendReset()
	s.fail(ErrProtocolViolation)
}

// maybeFinish moves a connection whose FINs have both been exchanged into
// its linger period.
func (s *Socket) maybeFinish(now uint32) {
	if !s.finSent || !s.finAcked || !s.eofReached {
		return
	}
	if s.state == csDestroyDelay || s.state == csDestroy {
		return
	}
	s.state = csDestroyDelay
	s.lingerDeadline = now + min(3*s.rtt.RTO(), durationMS(s.cfg.MaxLinger))
	s.logger.V(1).Info("both sides closed, lingering", "until-ms", s.lingerDeadline-now)
}

// maybeWritable reports StateWritable if a cut-short Write can now make
// progress.
func (s *Socket) maybeWritable(now uint32) {
	if !s.writableWanted || s.finSent {
		return
	}
	if s.state != csConnected && s.state != csGotFin {
		return
	}
	if !s.canAdmit(s.PacketSize(), now) {
		return
	}
	s.writableWanted = false
	s.logger.V(10).Info("socket writable", "max-window", s.cc.maxWindow, "cur-window", s.outbuf.inFlight)
	s.handler.OnState(s, StateWritable)
}
