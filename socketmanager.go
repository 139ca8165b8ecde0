// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"storj.io/ledbat-utp/libutp"
)

const (
	// checkTimeoutsInterval is how often the engine's timers are driven.
	checkTimeoutsInterval = 50 * time.Millisecond

	maxDatagramSize = 64 * 1024

	// minUDPMTU is the smallest path MTU we believe from an ICMP message.
	minUDPMTU = 576 - 60 - 8
)

// socketManager owns one UDP socket and the µTP engine multiplexed over it.
// It is the libutp.Host for that engine.
//
// Three goroutines run per manager: one reads datagrams and feeds them to
// the engine, one writes queued datagrams, and one drives the engine's
// timers.
type socketManager struct {
	libutp.SystemServices

	mx        *libutp.SocketMultiplexer
	udpSocket *net.UDPConn
	logger    logr.Logger
	dialState *utpDialState

	// baseConnLock must be held when calling into mx or any libutp.Socket.
	// libutp calls back into this package with it held.
	baseConnLock sync.Mutex
	// path MTUs learned from the kernel, as UDP payload sizes; guarded by
	// baseConnLock
	mtus map[netip.Addr]int

	sendQueue *sendQueue

	refCountLock sync.Mutex
	refCount     int
	closed       bool
	closeErr     error

	ctx    context.Context
	cancel func()
	group  *errgroup.Group

	// acceptChan carries incoming connections to a Listener. It is nil for
	// managers created by Dial.
	acceptChan chan *Conn
}

func newSocketManager(s *utpDialState, network string, localAddr *Addr) (*socketManager, error) {
	udpNetwork, err := udpNetworkFor(network)
	if err != nil {
		return nil, err
	}
	var udpAddr *net.UDPAddr
	if localAddr != nil {
		udpAddr = (*net.UDPAddr)(localAddr)
	}
	udpSocket, err := net.ListenUDP(udpNetwork, udpAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	sm := &socketManager{
		SystemServices: libutp.NewSystemServices(),
		udpSocket:      udpSocket,
		logger:         s.logger.WithValues("local-addr", udpSocket.LocalAddr().String()),
		dialState:      s,
		mtus:           make(map[netip.Addr]int),
		sendQueue:      newSendQueue(s.sendQueueSize),
		refCount:       1,
		ctx:            ctx,
		cancel:         cancel,
		group:          group,
	}

	if err := systemSetupUDPSocket(sm); err != nil {
		sm.logger.Error(err, "could not set up UDP socket options")
	}

	sm.mx, err = libutp.NewSocketMultiplexer(sm, s.config, sm.logger.WithName("libutp"), nil)
	if err != nil {
		cancel()
		_ = udpSocket.Close()
		return nil, err
	}
	return sm, nil
}

// listen makes the manager accept incoming connections, handing them to the
// returned channel.
func (sm *socketManager) listen(backlog int) <-chan *Conn {
	sm.acceptChan = make(chan *Conn, backlog)
	sm.withLock(func() {
		sm.mx.SetIncoming(sm.incomingConnection)
	})
	return sm.acceptChan
}

// stopListening makes the engine refuse further incoming connections.
func (sm *socketManager) stopListening() {
	sm.withLock(func() {
		sm.mx.SetIncoming(nil)
	})
}

func (sm *socketManager) start() {
	sm.group.Go(sm.udpMessageReceiver)
	sm.group.Go(sm.udpMessageSender)
	sm.group.Go(sm.timeoutChecker)
}

func (sm *socketManager) withLock(f func()) {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	f()
}

// LocalAddr returns the address of the UDP socket.
func (sm *socketManager) LocalAddr() *Addr {
	return addrFromAddrPort(sm.udpSocket.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Send implements libutp.Host by queueing the datagram for the sender
// goroutine.
func (sm *socketManager) Send(p []byte, addr netip.AddrPort) error {
	err := sm.sendQueue.push(addr, p)
	if errors.Is(err, errSendQueueFull) {
		sm.logger.V(1).Info("dropping outgoing datagram", "remote", addr.String(), "len", len(p),
			"dropped", sm.sendQueue.droppedCount())
	}
	return err
}

// UDPMTU implements libutp.Host, preferring path MTUs the kernel told us
// about.
func (sm *socketManager) UDPMTU(addr netip.AddrPort) int {
	if mtu, ok := sm.mtus[addr.Addr()]; ok {
		return mtu
	}
	return libutp.GetUDPMTU(addr)
}

// adjustMTUFor records a path MTU reported for addr. The baseConnLock must
// not be held.
func (sm *socketManager) adjustMTUFor(addr netip.Addr, pathMTU int) {
	udpMTU := pathMTU - libutp.GetUDPOverhead(netip.AddrPortFrom(addr, 0))
	if udpMTU < minUDPMTU {
		sm.logger.V(1).Info("ignoring implausible path MTU", "remote", addr.String(), "mtu", pathMTU)
		return
	}
	sm.withLock(func() {
		if current := sm.UDPMTU(netip.AddrPortFrom(addr, 0)); udpMTU >= current {
			return
		}
		sm.logger.Info("lowering path MTU", "remote", addr.String(), "udp-mtu", udpMTU)
		sm.mtus[addr] = udpMTU
	})
}

// handleICMP passes an ICMP error about a datagram we sent to addr on to the
// engine. The baseConnLock must not be held.
func (sm *socketManager) handleICMP(payload []byte, addr netip.AddrPort) {
	sm.withLock(func() {
		if !sm.mx.HandleICMP(payload, addr) {
			sm.logger.V(1).Info("icmp error matched no connection", "remote", addr.String())
		}
	})
}

func (sm *socketManager) udpMessageReceiver() error {
	b := make([]byte, maxDatagramSize)
	for {
		n, addr, err := sm.udpSocket.ReadFromUDPAddrPort(b)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || sm.ctx.Err() != nil {
				return nil
			}
			sm.logger.V(1).Info("error reading from UDP socket", "error", err)
			// errors about datagrams we sent are queued separately
			processUDPErrorQueue(sm)
			continue
		}
		sm.logger.V(10).Info("udp received", "len", n, "remote", addr.String())
		sm.withLock(func() {
			if !sm.mx.IsIncomingUTP(b[:n], addr) {
				sm.logger.V(1).Info("received a non-µTP datagram", "remote", addr.String(), "len", n)
			}
		})
	}
}

func (sm *socketManager) udpMessageSender() error {
	for {
		msg, err := sm.sendQueue.pop(sm.ctx)
		if err != nil {
			sm.logger.V(2).Info("udp sender exiting", "unsent", sm.sendQueue.queued(), "dropped", sm.sendQueue.droppedCount())
			return nil
		}
		if _, err := sm.udpSocket.WriteToUDPAddrPort(msg.data, msg.addr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			sm.logger.V(1).Info("error writing to UDP socket", "remote", msg.addr.String(), "error", err)
		}
	}
}

func (sm *socketManager) timeoutChecker() error {
	ticker := time.NewTicker(checkTimeoutsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.ctx.Done():
			return nil
		case <-ticker.C:
			sm.withLock(sm.mx.CheckTimeouts)
		}
	}
}

// incomingConnection is the engine's libutp.IncomingFunc. It runs with the
// baseConnLock held.
func (sm *socketManager) incomingConnection(s *libutp.Socket) libutp.Handler {
	if !sm.incrementReferences() {
		return nil
	}
	conn := newConn(sm, sm.dialState, addrFromAddrPort(s.RemoteAddr()))
	conn.connecting = false
	close(conn.connectDone)
	conn.attach(s)

	select {
	case sm.acceptChan <- conn:
		conn.logger.V(1).Info("accepted incoming connection")
		return conn.handler
	default:
		sm.logger.Info("accept backlog full, refusing connection", "remote", s.RemoteAddr().String())
		conn.baseConn = nil
		// the socket is never registered, so it will not report destruction
		_ = sm.decrementReferences()
		return nil
	}
}

func (sm *socketManager) incrementReferences() bool {
	sm.refCountLock.Lock()
	defer sm.refCountLock.Unlock()
	if sm.closed {
		return false
	}
	sm.refCount++
	return true
}

// decrementReferences drops one reference, shutting the manager down when it
// was the last. It never blocks, so it may be called with the baseConnLock
// held.
func (sm *socketManager) decrementReferences() error {
	sm.refCountLock.Lock()
	defer sm.refCountLock.Unlock()

	if sm.refCount <= 0 {
		return errors.New("socket manager closed too many times")
	}
	sm.refCount--
	if sm.refCount > 0 {
		return nil
	}
	sm.closed = true
	sm.logger.V(1).Info("shutting down socket manager")
	sm.cancel()
	sm.sendQueue.close()
	if err := sm.udpSocket.Close(); err != nil {
		sm.closeErr = fmt.Errorf("closing UDP socket: %w", err)
	}
	return sm.closeErr
}

// wait blocks until the manager's goroutines have exited.
func (sm *socketManager) wait() error {
	return sm.group.Wait()
}
