// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !utpstatedebug

package utp

func (c *Conn) stateDebugLogLocked(msg string, keys ...interface{}) {}
