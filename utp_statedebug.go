// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build utpstatedebug

package utp

import "fmt"

// ReadSideState summarizes the read half of a Conn for debug logging.
type ReadSideState int

const (
	ReadConnecting   ReadSideState = iota // handshake in progress
	ReadIdleConn                          // nothing to do but wait
	ReadHasReadData                       // data from the peer waits for the application
	ReadAwaitingData                      // a read call waits for data
	ReadDrainingReads                     // the peer is done, but unread data remains
	ReadClosedByPeer                      // the peer is done and everything was read
	ReadClosed                            // closed locally
)

var readSideStateNames = []string{
	"READ-CONNECTING",
	"READ-IDLE",
	"READ-HAS-READ-DATA",
	"READ-AWAITING-DATA",
	"READ-DRAINING-READS",
	"READ-CLOSED-BY-PEER",
	"READ-CLOSED",
}

// WriteSideState summarizes the write half of a Conn for debug logging.
type WriteSideState int

const (
	WriteConnecting     WriteSideState = iota // handshake in progress
	WriteIdleConn                             // nothing to do but wait
	WriteHasWriteData                         // buffered data waits for room in the send window
	WriteCallPending                          // a write call waits for buffer space
	WriteDrainingWrites                       // closed locally, buffered data still going out
	WriteIdleClosing                          // closed locally, FIN sent or about to be
	WriteClosedByPeer                         // the connection ended
)

var writeSideStateNames = []string{
	"WRITE-CONNECTING",
	"WRITE-IDLE",
	"WRITE-HAS-WRITE-DATA",
	"WRITE-CALL-PENDING",
	"WRITE-DRAINING-WRITES",
	"WRITE-IDLE-CLOSING",
	"WRITE-CLOSED-BY-PEER",
}

func (st ReadSideState) String() string {
	if st >= 0 && int(st) < len(readSideStateNames) {
		return readSideStateNames[st]
	}
	return fmt.Sprintf("UNKNOWN READ STATE %d", int(st))
}

func (st WriteSideState) String() string {
	if st >= 0 && int(st) < len(writeSideStateNames) {
		return writeSideStateNames[st]
	}
	return fmt.Sprintf("UNKNOWN WRITE STATE %d", int(st))
}

func (c *Conn) getReadStatus() ReadSideState {
	hasData := c.readBuffer.SpaceUsed() > 0
	switch {
	case c.connecting:
		return ReadConnecting
	case c.willClose:
		return ReadClosed
	case c.remoteIsDone && hasData:
		return ReadDrainingReads
	case c.remoteIsDone:
		return ReadClosedByPeer
	case c.readPending:
		return ReadAwaitingData
	case hasData:
		return ReadHasReadData
	}
	return ReadIdleConn
}

func (c *Conn) getWriteStatus() WriteSideState {
	hasData := c.writeBuffer.SpaceUsed() > 0
	switch {
	case c.connecting:
		return WriteConnecting
	case c.opError != nil && !c.willClose:
		return WriteClosedByPeer
	case c.willClose && hasData:
		return WriteDrainingWrites
	case c.willClose:
		return WriteIdleClosing
	case c.writePending:
		return WriteCallPending
	case hasData:
		return WriteHasWriteData
	}
	return WriteIdleConn
}

// stateDebugLogLocked logs msg along with the read and write status of c.
// c.stateLock must be held.
func (c *Conn) stateDebugLogLocked(msg string, keys ...interface{}) {
	logger := c.logger.V(10)
	if logger.Enabled() {
		keys = append(keys, "read-status", c.getReadStatus(), "write-status", c.getWriteStatus())
		logger.Info(msg, keys...)
	}
}
