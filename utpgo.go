// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

// Package utp provides net.Conn and net.Listener implementations that carry
// µTP streams over UDP.
package utp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"storj.io/ledbat-utp/buffers"
	"storj.io/ledbat-utp/libutp"
)

// Conn is a µTP connection. It implements net.Conn.
type Conn struct {
	utpSocket

	logger     logr.Logger
	remoteAddr *Addr

	// baseConn is guarded by manager.baseConnLock, not stateLock. It is nil
	// once the socket has been destroyed.
	baseConn *libutp.Socket
	handler  libutp.Handler
	// scratch space for moving bytes from writeBuffer into baseConn; guarded
	// by manager.baseConnLock
	scratch []byte

	// set to true while the handshake is in progress
	connecting bool
	// set to true once Close has been called; the libutp socket is closed
	// once the write buffer drains
	willClose bool
	// set to true once the libutp-level Close has been issued
	libutpClosed bool
	// set to true when the peer has finished sending, or the connection has
	// failed
	remoteIsDone bool
	readPending  bool
	writePending bool

	// connectDone is closed when the handshake finishes either way.
	connectDone chan struct{}
	// destroyed is closed when the libutp socket reports StateDestroying.
	destroyed chan struct{}

	// readBuffer holds data received from the peer but not yet read by the
	// application. Its fill level shrinks the receive window we advertise,
	// which is what keeps it from overflowing.
	readBuffer *buffers.SyncCircularBuffer
	// writeBuffer holds data written by the application but not yet
	// admitted into the µTP send window.
	writeBuffer *buffers.SyncCircularBuffer

	readDeadline  deadline
	writeDeadline deadline
}

// Listener is a µTP network listener. It implements net.Listener.
type Listener struct {
	utpSocket

	acceptChan <-chan *Conn
	closeChan  chan struct{}
	closeOnce  sync.Once
}

// utpSocket is shared functionality between Conn and Listener.
type utpSocket struct {
	localAddr *Addr

	// manager is shared by all sockets using the same local address (for
	// outgoing connections, only the one connection, but for incoming
	// connections, this includes all connections received by the
	// associated listening socket). It is reference-counted, and thus will
	// only be cleaned up entirely when the last related socket is gone.
	manager *socketManager

	// stateLock protects opError and the state flags of Conn. It may be
	// acquired while manager.baseConnLock is held, never the other way
	// around.
	stateLock sync.Mutex
	// Once set, all further Write/Read operations fail with this error.
	opError error
}

// Dial connects to the address on the named network.
//
// If the network is "utp", "utp4", or "utp6", a µTP connection is made;
// any other network is passed on to net.Dial.
func Dial(network, address string) (net.Conn, error) {
	return DialOptions(network, address)
}

// DialContext is like Dial but uses ctx for the connection attempt.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return DialContextOptions(ctx, network, address)
}

// DialOptions is like Dial but accepts options.
func DialOptions(network, address string, options ...ConnectOption) (net.Conn, error) {
	return DialContextOptions(context.Background(), network, address, options...)
}

// DialContextOptions is like DialContext but accepts options.
func DialContextOptions(ctx context.Context, network, address string, options ...ConnectOption) (net.Conn, error) {
	switch network {
	case "utp", "utp4", "utp6":
		rAddr, err := ResolveUTPAddr(network, address)
		if err != nil {
			return nil, err
		}
		return DialUTPContext(ctx, network, nil, rAddr, options...)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// DialUTP connects to remoteAddr over µTP. If localAddr is nil, a local
// address is chosen automatically.
func DialUTP(network string, localAddr, remoteAddr *Addr) (*Conn, error) {
	return DialUTPOptions(network, localAddr, remoteAddr)
}

// DialUTPOptions is like DialUTP but accepts options.
func DialUTPOptions(network string, localAddr, remoteAddr *Addr, options ...ConnectOption) (*Conn, error) {
	return DialUTPContext(context.Background(), network, localAddr, remoteAddr, options...)
}

// DialUTPContext is like DialUTPOptions but uses ctx for the connection
// attempt. Once connected, ctx has no further effect.
func DialUTPContext(ctx context.Context, network string, localAddr, remoteAddr *Addr, options ...ConnectOption) (*Conn, error) {
	s := newDialState(options)
	if remoteAddr == nil {
		return nil, &net.OpError{Op: "dial", Net: network, Source: addrOrNil(localAddr), Err: errors.New("missing address")}
	}
	manager, err := newSocketManager(s, network, localAddr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Source: addrOrNil(localAddr), Addr: remoteAddr, Err: err}
	}
	conn := newConn(manager, s, remoteAddr)

	manager.withLock(func() {
		var baseConn *libutp.Socket
		baseConn, err = manager.mx.Create(remoteAddr.addrPort())
		if err != nil {
			return
		}
		conn.attach(baseConn)
		err = baseConn.Connect()
	})
	if err != nil {
		_ = manager.decrementReferences()
		return nil, conn.makeOpError("dial", err)
	}
	manager.start()

	select {
	case <-conn.connectDone:
	case <-ctx.Done():
		_ = conn.Close()
		return nil, conn.makeOpError("dial", ctx.Err())
	}

	conn.stateLock.Lock()
	err = conn.opError
	conn.stateLock.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, conn.makeOpError("dial", err)
	}
	conn.logger.V(1).Info("connected")
	return conn, nil
}

// Listen announces on the local network address.
//
// If the network is "utp", "utp4", or "utp6", a µTP listener is created;
// any other network is passed on to net.Listen.
func Listen(network, addr string) (net.Listener, error) {
	return ListenOptions(network, addr)
}

// ListenOptions is like Listen but accepts options.
func ListenOptions(network, addr string, options ...ConnectOption) (net.Listener, error) {
	switch network {
	case "utp", "utp4", "utp6":
		udpAddr, err := ResolveUTPAddr(network, addr)
		if err != nil {
			return nil, err
		}
		return ListenUTPOptions(network, udpAddr, options...)
	}
	return net.Listen(network, addr)
}

// ListenUTP creates a µTP listener on localAddr.
func ListenUTP(network string, localAddr *Addr) (*Listener, error) {
	return ListenUTPOptions(network, localAddr)
}

// ListenUTPOptions is like ListenUTP but accepts options.
func ListenUTPOptions(network string, localAddr *Addr, options ...ConnectOption) (*Listener, error) {
	s := newDialState(options)
	manager, err := newSocketManager(s, network, localAddr)
	if err != nil {
		return nil, &net.OpError{Op: "listen", Net: network, Addr: addrOrNil(localAddr), Err: err}
	}
	l := &Listener{
		utpSocket: utpSocket{
			localAddr: manager.LocalAddr(),
			manager:   manager,
		},
		acceptChan: manager.listen(s.backlog),
		closeChan:  make(chan struct{}),
	}
	manager.start()
	manager.logger.V(1).Info("listening")
	return l, nil
}

func addrOrNil(a *Addr) net.Addr {
	if a == nil {
		return nil
	}
	return a
}

func newConn(manager *socketManager, s *utpDialState, remoteAddr *Addr) *Conn {
	c := &Conn{
		utpSocket: utpSocket{
			localAddr: manager.LocalAddr(),
			manager:   manager,
		},
		logger:      manager.logger.WithValues("remote-addr", remoteAddr.String()),
		remoteAddr:  remoteAddr,
		connecting:  true,
		connectDone: make(chan struct{}),
		destroyed:   make(chan struct{}),
		readBuffer:  buffers.NewSyncBuffer(s.readBufferSize),
		writeBuffer: buffers.NewSyncBuffer(s.writeBufferSize),
	}
	c.handler = &connHandler{c: c}
	return c
}

// attach binds c to baseConn. manager.baseConnLock must be held.
func (c *Conn) attach(baseConn *libutp.Socket) {
	c.baseConn = baseConn
	c.scratch = make([]byte, baseConn.PacketSize()*4)
	baseConn.SetHandler(c.handler)
	if err := baseConn.SetSockOpt(libutp.OptionRecvBuffer, c.readBuffer.Size()-readBufferSlack); err != nil {
		c.logger.Error(err, "could not size receive window")
	}
}

// Close closes the connection. Data already written is still delivered to
// the peer before the µTP connection shuts down.
func (c *Conn) Close() error {
	c.stateLock.Lock()
	if c.willClose {
		c.stateLock.Unlock()
		return c.makeOpError("close", net.ErrClosed)
	}
	c.willClose = true
	c.stateDebugLogLocked("Close called")
	c.stateLock.Unlock()

	c.setOpError(net.ErrClosed)
	// no more application reads; the remaining write buffer still drains
	c.readBuffer.Close()

	c.manager.withLock(c.flushWrites)
	return nil
}

// CloseContext closes the connection and waits until the µTP connection has
// been torn down, or ctx is done.
func (c *Conn) CloseContext(ctx context.Context) error {
	if err := c.Close(); err != nil {
		return err
	}
	select {
	case <-c.destroyed:
		return nil
	case <-ctx.Done():
		return c.makeOpError("close", ctx.Err())
	}
}

// Read reads data from the connection.
func (c *Conn) Read(buf []byte) (n int, err error) {
	return c.ReadContext(context.Background(), buf)
}

// ReadContext reads data from the connection, giving up when ctx is done or
// the read deadline passes.
func (c *Conn) ReadContext(ctx context.Context, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	c.stateLock.Lock()
	if c.readPending {
		c.stateLock.Unlock()
		return 0, c.makeOpError("read", buffers.ErrReaderAlreadyWaiting)
	}
	c.readPending = true
	c.stateLock.Unlock()
	defer func() {
		c.stateLock.Lock()
		c.readPending = false
		c.stateLock.Unlock()
	}()

	for {
		if err := c.readError(); err != nil {
			return 0, err
		}
		if n, ok := c.readBuffer.TryConsume(buf); ok {
			c.manager.withLock(func() {
				if c.baseConn != nil {
					c.baseConn.RBDrained()
				}
			})
			return n, nil
		}
		if err := c.readEOF(); err != nil {
			return 0, err
		}

		waitChan, cancelWait, err := c.readBuffer.WaitForBytesChan(1)
		if err != nil {
			return 0, c.makeOpError("read", err)
		}
		if err := c.wait(ctx, &c.readDeadline, waitChan, cancelWait); err != nil {
			return 0, c.makeOpError("read", err)
		}
	}
}

// readError returns the error a read must fail with before looking at
// buffered data, if any.
func (c *Conn) readError() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.willClose {
		return c.makeOpError("read", net.ErrClosed)
	}
	return nil
}

// readEOF returns the error a read must fail with once the read buffer is
// empty, if any.
func (c *Conn) readEOF() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.opError != nil {
		return c.makeOpError("read", c.opError)
	}
	if c.remoteIsDone || c.readBuffer.Closed() {
		return io.EOF
	}
	return nil
}

// Write writes data to the connection.
func (c *Conn) Write(buf []byte) (n int, err error) {
	return c.WriteContext(context.Background(), buf)
}

// WriteContext writes data to the connection, giving up when ctx is done or
// the write deadline passes. It returns once all of buf is buffered for
// sending, not when the peer has received it.
func (c *Conn) WriteContext(ctx context.Context, buf []byte) (n int, err error) {
	c.stateLock.Lock()
	if c.writePending {
		c.stateLock.Unlock()
		return 0, c.makeOpError("write", buffers.ErrWriterAlreadyWaiting)
	}
	c.writePending = true
	c.stateLock.Unlock()
	defer func() {
		c.stateLock.Lock()
		c.writePending = false
		c.stateLock.Unlock()
	}()

	for n < len(buf) {
		if err := c.writeError(); err != nil {
			return n, err
		}
		added, err := c.writeBuffer.TryAppendSome(buf[n:])
		if err != nil {
			return n, c.makeOpError("write", net.ErrClosed)
		}
		if added > 0 {
			n += added
			c.manager.withLock(c.flushWrites)
			continue
		}

		want := min(len(buf)-n, c.writeBuffer.Size()/2)
		waitChan, cancelWait, err := c.writeBuffer.WaitForSpaceChan(want)
		if err != nil {
			return n, c.makeOpError("write", err)
		}
		if err := c.wait(ctx, &c.writeDeadline, waitChan, cancelWait); err != nil {
			return n, c.makeOpError("write", err)
		}
	}
	return n, nil
}

func (c *Conn) writeError() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	if c.opError != nil {
		return c.makeOpError("write", c.opError)
	}
	return nil
}

// wait blocks until ready fires, ctx is done, the deadline passes, or the
// deadline is changed. A nil return means the caller should check its
// condition again.
func (c *Conn) wait(ctx context.Context, d *deadline, ready <-chan struct{}, cancelWait func()) error {
	expired, changed, stop := d.watch()
	defer stop()

	select {
	case <-ready:
		return nil
	case <-changed:
		cancelWait()
		return nil
	case <-expired:
		cancelWait()
		return os.ErrDeadlineExceeded
	case <-ctx.Done():
		cancelWait()
		return ctx.Err()
	}
}

// flushWrites moves buffered data into the µTP send window, and closes the
// libutp socket once everything is sent after Close. manager.baseConnLock
// must be held.
func (c *Conn) flushWrites() {
	if c.baseConn == nil {
		return
	}
	c.stateLock.Lock()
	connecting := c.connecting
	willClose := c.willClose && !c.libutpClosed
	c.stateLock.Unlock()

	if !connecting {
		for {
			n := c.writeBuffer.Peek(c.scratch)
			if n == 0 {
				break
			}
			written, err := c.baseConn.Write(c.scratch[:n])
			c.writeBuffer.Discard(written)
			if err != nil {
				if !errors.Is(err, libutp.ErrWouldBlock) {
					c.logger.V(1).Info("could not write to µTP socket", "error", err)
					// nobody will send this data now
					c.writeBuffer.Discard(c.writeBuffer.SpaceUsed())
				}
				break
			}
		}
	}

	if !willClose || (!connecting && c.writeBuffer.SpaceUsed() > 0) {
		return
	}
	c.stateLock.Lock()
	c.libutpClosed = true
	c.stateDebugLogLocked("closing libutp socket")
	c.stateLock.Unlock()
	if err := c.baseConn.Close(); err != nil {
		c.logger.V(1).Info("could not close µTP socket", "error", err)
	}
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline sets the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

// SetReadDeadline sets the deadline for Read calls, including pending
// ones. A zero value for t means Read will not time out.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for Write calls, including pending
// ones. A zero value for t means Write will not time out.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// Stats returns the counters of the underlying µTP socket. They stop
// changing once the socket is destroyed.
func (c *Conn) Stats() (stats libutp.Stats) {
	c.manager.withLock(func() {
		if c.baseConn != nil {
			stats = c.baseConn.Stats()
		}
	})
	return stats
}

func (c *Conn) makeOpError(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &net.OpError{
		Op:     op,
		Net:    "utp",
		Source: c.localAddr,
		Addr:   c.remoteAddr,
		Err:    err,
	}
}

var _ net.Conn = &Conn{}

// AcceptUTP waits for and returns the next incoming connection.
func (l *Listener) AcceptUTP() (*Conn, error) {
	return l.AcceptUTPContext(context.Background())
}

// AcceptUTPContext is like AcceptUTP but gives up when ctx is done.
func (l *Listener) AcceptUTPContext(ctx context.Context) (*Conn, error) {
	select {
	case <-l.closeChan:
	default:
		select {
		case newConn := <-l.acceptChan:
			return newConn, nil
		case <-l.closeChan:
		case <-ctx.Done():
			return nil, l.makeOpError(ctx.Err())
		}
	}
	return nil, l.makeOpError(net.ErrClosed)
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptUTP()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.localAddr
}

// Close stops listening. Connections already accepted are not affected, and
// keep the underlying UDP socket open until they are closed.
func (l *Listener) Close() error {
	err := l.makeOpError(net.ErrClosed)
	l.closeOnce.Do(func() {
		close(l.closeChan)
		l.manager.stopListening()
		// connections nobody will accept
		for {
			select {
			case conn := <-l.acceptChan:
				_ = conn.Close()
				continue
			default:
			}
			break
		}
		err = l.manager.decrementReferences()
	})
	return err
}

func (l *Listener) makeOpError(err error) error {
	return &net.OpError{Op: "accept", Net: "utp", Addr: l.localAddr, Err: err}
}

var _ net.Listener = &Listener{}

func (u *utpSocket) setOpError(err error) {
	if err == nil {
		return
	}
	u.stateLock.Lock()
	defer u.stateLock.Unlock()

	// keep the first error if this is called multiple times
	if u.opError == nil {
		u.opError = err
	}
}

// connHandler receives the libutp socket's notifications for a Conn. All of
// its methods run with manager.baseConnLock held.
type connHandler struct {
	c *Conn
}

func (h *connHandler) OnRead(_ *libutp.Socket, p []byte) {
	c := h.c
	if !c.readBuffer.TryAppend(p) {
		if c.readBuffer.Closed() {
			// closed locally; nobody is going to read this
			return
		}
		c.logger.Error(nil, "read buffer overflow, dropping connection",
			"len", len(p), "available", c.readBuffer.SpaceAvailable())
		c.fail(fmt.Errorf("read buffer overflow: %w", syscall.ENOBUFS))
	}
}

func (h *connHandler) OnState(_ *libutp.Socket, state libutp.State) {
	c := h.c
	switch state {
	case libutp.StateConnect:
		c.stateLock.Lock()
		wasConnecting := c.connecting
		c.connecting = false
		c.stateDebugLogLocked("connected")
		c.stateLock.Unlock()
		if wasConnecting {
			close(c.connectDone)
		}
		c.flushWrites()
	case libutp.StateWritable:
		c.flushWrites()
	case libutp.StateEOF:
		c.stateLock.Lock()
		c.remoteIsDone = true
		c.stateDebugLogLocked("got EOF")
		c.stateLock.Unlock()
		c.readBuffer.Close()
	case libutp.StateDestroying:
		c.logger.V(1).Info("socket destroyed")
		c.baseConn = nil
		c.stateLock.Lock()
		if !c.remoteIsDone && c.opError == nil {
			// the connection ended without an EOF or an error
			c.opError = net.ErrClosed
		}
		c.remoteIsDone = true
		if c.connecting {
			c.connecting = false
			close(c.connectDone)
		}
		c.stateDebugLogLocked("destroyed")
		c.stateLock.Unlock()
		c.readBuffer.Close()
		c.writeBuffer.Close()
		close(c.destroyed)
		if err := c.manager.decrementReferences(); err != nil {
			c.logger.Error(err, "could not release socket manager")
		}
	}
}

func (h *connHandler) OnError(_ *libutp.Socket, err error) {
	h.c.logger.V(1).Info("connection error", "error", err)
	h.c.fail(err)
}

func (h *connHandler) ReadBufferSize(*libutp.Socket) int {
	return h.c.readBuffer.SpaceUsed()
}

func (h *connHandler) OnOverhead(*libutp.Socket, bool, int, libutp.BandwidthType) {}

// fail records a terminal connection error and wakes everything waiting on
// the connection. manager.baseConnLock must be held.
func (c *Conn) fail(err error) {
	c.setOpError(err)
	c.stateLock.Lock()
	c.remoteIsDone = true
	if c.connecting {
		c.connecting = false
		close(c.connectDone)
	}
	c.stateLock.Unlock()
	c.readBuffer.Close()
	c.writeBuffer.Close()
}

// deadline is a settable point in time that blocked calls can watch.
type deadline struct {
	lock    sync.Mutex
	t       time.Time
	changed chan struct{}
}

func (d *deadline) set(t time.Time) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.t = t
	if d.changed != nil {
		close(d.changed)
		d.changed = nil
	}
}

// watch returns a channel that fires when the deadline passes (nil if there
// is no deadline), a channel that is closed when the deadline is changed,
// and a function releasing the timer.
func (d *deadline) watch() (expired <-chan time.Time, changed <-chan struct{}, stop func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.changed == nil {
		d.changed = make(chan struct{})
	}
	if d.t.IsZero() {
		return nil, d.changed, func() {}
	}
	timer := time.NewTimer(time.Until(d.t))
	return timer.C, d.changed, func() { timer.Stop() }
}
