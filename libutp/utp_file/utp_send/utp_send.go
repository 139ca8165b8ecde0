// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build linux || darwin

// Command utp_send uploads a file over a single µTP connection, driving the
// libutp engine directly from a poll loop.
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
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
	sendBuffer = flag.Int("sndbuf", 3*1024*1024, "Send buffer size in bytes")
	limit      = flag.Int64("limit", 0, "Send this many bytes of random data instead of a file")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 && (len(args) < 1 || *limit <= 0) {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] dest-addr [file-to-send]

   dest-addr: destination node to connect to, in the form <host>:<port>
   file-to-send: the file to upload; not needed with -limit

`, os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	dest := args[0]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(-10)
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

	logger.Info("connecting", zap.String("dest-addr", dest))

	var (
		source    io.Reader
		totalSize int64
	)
	if *limit > 0 {
		logger.Info("sending random data", zap.Int64("bytes", *limit))
		source = io.LimitReader(rand.Reader, *limit)
		totalSize = *limit
	} else {
		fileName := args[1]
		logger.Info("sending", zap.String("source-file", fileName))
		dataFile, err := os.Open(fileName)
		if err != nil {
			logger.Fatal("failed to open source", zap.Error(err))
		}
		defer func() { _ = dataFile.Close() }()
		info, err := dataFile.Stat()
		if err != nil {
			logger.Fatal("could not determine size of input file", zap.Error(err))
		}
		if info.Size() == 0 {
			logger.Fatal("file is 0 bytes")
		}
		source = dataFile
		totalSize = info.Size()
	}

	destAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		logger.Fatal("could not resolve destination", zap.String("dest-addr", dest), zap.Error(err))
	}

	sock, err := utp_file.MakeSocket("udp", ":0")
	if err != nil {
		logger.Fatal("failed to make socket", zap.Error(err))
	}
	sm, err := utp_file.NewUDPSocketManager(zapr.NewLogger(logger), cfg, sock, nil)
	if err != nil {
		logger.Fatal("could not create socket manager", zap.Error(err))
	}
	defer func() { _ = sm.Close() }()

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

	s, err := sm.Create(destAddr.AddrPort())
	if err != nil {
		logger.Fatal("could not create µTP socket", zap.Error(err))
	}
	fs := &fileSender{logger: logger, source: source, buf: make([]byte, 64*1024)}
	s.SetHandler(fs)
	if err := s.SetSockOpt(libutp.OptionSendBuffer, *sendBuffer); err != nil {
		logger.Fatal("could not set send buffer size", zap.Error(err))
	}
	if err := s.Connect(); err != nil {
		logger.Fatal("could not connect", zap.Error(err))
	}

	startTime := time.Now()
	lastSent := int64(0)
	lastTime := startTime

	for !fs.done {
		if err := sm.Select(50 * time.Millisecond); err != nil {
			logger.Fatal("failed to run select", zap.Error(err))
		}
		sm.CheckTimeouts()
		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(fs.sent-lastSent) / curTime.Sub(lastTime).Seconds()
			lastSent = fs.sent
			lastTime = curTime
			fmt.Printf("\r[%d] sent: %d/%d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), fs.sent, totalSize, rate)
		}
	}

	stats := s.Stats()
	fmt.Printf("\nsent: %d bytes in %s\n", fs.sent, time.Since(startTime).Round(time.Millisecond))
	fmt.Printf("packets: %d sent, %d retransmitted, %d fast retransmitted\n", stats.NXmit, stats.ReXmit, stats.FastReXmit)
	if fs.err != nil {
		os.Exit(1)
	}
}

// fileSender feeds a file into a µTP socket as fast as the send window
// allows, then closes it.
type fileSender struct {
	libutp.NopHandler

	logger  *zap.Logger
	source  io.Reader
	buf     []byte
	pending []byte
	sent    int64
	closing bool
	done    bool
	err     error
}

func (fs *fileSender) OnState(s *libutp.Socket, state libutp.State) {
	switch state {
	case libutp.StateConnect, libutp.StateWritable:
		fs.pump(s)
	case libutp.StateEOF:
		fs.logger.Debug("peer closed its side")
	case libutp.StateDestroying:
		fs.logger.Debug("socket destroyed; done with transfer")
		fs.done = true
	}
}

func (fs *fileSender) OnError(_ *libutp.Socket, err error) {
	fs.logger.Error("got socket error", zap.Error(err))
	fs.err = err
}

func (fs *fileSender) OnRead(_ *libutp.Socket, p []byte) {
	fs.logger.Info("got unexpected data from peer", zap.Binary("data", p))
}

func (fs *fileSender) pump(s *libutp.Socket) {
	for !fs.closing {
		if len(fs.pending) == 0 {
			n, err := fs.source.Read(fs.buf)
			fs.pending = fs.buf[:n]
			if errors.Is(err, io.EOF) && n == 0 {
				fs.logger.Info("upload complete; closing")
				fs.closing = true
				if err := s.Close(); err != nil {
					fs.logger.Error("close failed", zap.Error(err))
				}
				return
			}
			if err != nil && !errors.Is(err, io.EOF) {
				fs.logger.Error("failed to read from source file", zap.Error(err))
				fs.err = err
				fs.closing = true
				_ = s.Close()
				return
			}
		}
		n, err := s.Write(fs.pending)
		fs.pending = fs.pending[n:]
		fs.sent += int64(n)
		if errors.Is(err, libutp.ErrWouldBlock) {
			return
		}
		if err != nil {
			fs.logger.Error("write failed", zap.Error(err))
			fs.err = err
			fs.closing = true
			return
		}
	}
}
