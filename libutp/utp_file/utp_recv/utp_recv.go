// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build linux || darwin

// Command utp_recv accepts a single µTP connection and writes everything it
// receives to a file.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/ledbat-utp/libutp"
	"storj.io/ledbat-utp/libutp/utp_file"
)

var (
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "YAML file with protocol tunables")
	pcapPath   = flag.String("pcap", "", "Record all traffic to this pcap file")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] listen-addr file-to-write

   listen-addr: address to listen on, in the form [<host>]:<port>
   file-to-write: where to write the received file

`, os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	startTime := time.Now()

	listenAddr := args[0]
	fileName := args[1]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := libutp.DefaultConfig()
	if *configPath != "" {
		cfg, err = libutp.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("could not load config", zap.Error(err))
		}
	}

	logger.Info("listening", zap.String("address", listenAddr))
	logger.Info("saving to file", zap.String("dest-file", fileName))

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		logger.Fatal("could not open destination file for writing", zap.Error(err))
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			logger.Error("failed to close destination file", zap.Error(err))
		}
	}()

	sock, err := utp_file.MakeSocket("udp", listenAddr)
	if err != nil {
		logger.Fatal("could not listen", zap.String("address", listenAddr), zap.Error(err))
	}
	fsr := &fileStreamReceiver{logger: logger, fileDest: destFile}
	sm, err := utp_file.NewUDPSocketManager(zapr.NewLogger(logger), cfg, sock, fsr.receiveNewConnection)
	if err != nil {
		logger.Fatal("could not create socket manager", zap.Error(err))
	}
	defer func() {
		if err := sm.Close(); err != nil {
			logger.Error("failed to close socket manager", zap.Error(err))
		}
	}()

	if *pcapPath != "" {
		pcapFile, err := os.Create(*pcapPath)
		if err != nil {
			logger.Fatal("could not create pcap file", zap.Error(err))
		}
		defer func() { _ = pcapFile.Close() }()
		recorder, err := utp_file.NewPcapRecorder(pcapFile, sm.LocalAddr())
		if err != nil {
			logger.Fatal("could not start recording", zap.Error(err))
		}
		sm.SetRecorder(recorder)
	}

	lastRecv := int64(0)
	lastTime := time.Now()

	for !fsr.done {
		if err := sm.Select(50 * time.Millisecond); err != nil {
			logger.Fatal("failed to run select", zap.Error(err))
		}
		sm.CheckTimeouts()
		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(fsr.totalRecv-lastRecv) / curTime.Sub(lastTime).Seconds()
			lastRecv = fsr.totalRecv
			lastTime = curTime
			fmt.Printf("\r[%d] recv: %d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), fsr.totalRecv, rate)
		}
	}

	fmt.Printf("\nreceived: %d bytes\n", fsr.totalRecv)
}

type fileStreamReceiver struct {
	libutp.NopHandler

	logger         *zap.Logger
	fileDest       io.Writer
	totalRecv      int64
	connectionSeen bool
	done           bool
}

func (fsr *fileStreamReceiver) receiveNewConnection(s *libutp.Socket) libutp.Handler {
	if fsr.connectionSeen {
		fsr.logger.Info("rejecting additional connection", zap.Stringer("remote-addr", s.RemoteAddr()))
		return nil
	}
	fsr.logger.Info("accepted connection", zap.Stringer("remote-addr", s.RemoteAddr()))
	fsr.connectionSeen = true
	return fsr
}

func (fsr *fileStreamReceiver) OnRead(s *libutp.Socket, b []byte) {
	n, err := fsr.fileDest.Write(b)
	if err != nil {
		fsr.logger.Error("failed to write to destination file", zap.Error(err))
		_ = s.Close()
		return
	}
	if n < len(b) {
		fsr.logger.Error("could not write full packet to destination file!", zap.Int("written", n), zap.Int("full-len", len(b)))
		_ = s.Close()
		return
	}
	fsr.totalRecv += int64(len(b))
}

func (fsr *fileStreamReceiver) OnState(s *libutp.Socket, state libutp.State) {
	switch state {
	case libutp.StateEOF:
		fsr.logger.Debug("entered state EOF; closing our side")
		if err := s.Close(); err != nil {
			fsr.logger.Debug("close after EOF", zap.Error(err))
		}
	case libutp.StateDestroying:
		fsr.logger.Debug("entered state Destroying; done with transfer")
		fsr.done = true
	}
}

func (fsr *fileStreamReceiver) OnError(_ *libutp.Socket, err error) {
	fsr.logger.Error("got socket error", zap.Error(err))
}
