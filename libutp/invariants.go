// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !utpdebug
// +build !utpdebug

package libutp

// checkInvariants is a no-op unless built with the utpdebug tag.
func (s *Socket) checkInvariants() {}
