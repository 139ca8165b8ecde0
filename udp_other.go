// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux && !darwin

package utp

func systemSetupUDPSocket(*socketManager) error { return nil }

func processUDPErrorQueue(*socketManager) {}
