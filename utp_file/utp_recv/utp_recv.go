// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Command utp_recv accepts one µTP connection and saves everything read from
// it to a file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/ledbat-utp"
	"storj.io/ledbat-utp/libutp"
)

var (
	debug      = flag.Bool("debug", false, "Enable debug logging")
	configPath = flag.String("config", "", "YAML file with protocol tunables")
	bufferSize = flag.Int("bufsize", 1024*1024, "Read buffer size in bytes")
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

	listenAddr := args[0]
	fileName := args[1]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger := plainLogger.Sugar()
	defer func() { _ = logger.Sync() }()

	options := []utp.ConnectOption{
		utp.WithLogger(zapr.NewLogger(plainLogger)),
		utp.WithBufferSize(*bufferSize, *bufferSize),
		utp.WithBacklog(1),
	}
	if *configPath != "" {
		cfg, err := libutp.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("could not load config: %v", err)
		}
		options = append(options, utp.WithConfig(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lAddr, err := utp.ResolveUTPAddr("utp", listenAddr)
	if err != nil {
		logger.Fatalf("could not resolve %q: %v", listenAddr, err)
	}
	listener, err := utp.ListenUTPOptions("utp", lAddr, options...)
	if err != nil {
		logger.Fatalf("could not listen on %q: %v", listenAddr, err)
	}
	defer func() { _ = listener.Close() }()
	logger.Infof("listening on %s", listener.Addr())

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		logger.Fatalf("could not open destination file for writing: %v", err)
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			logger.Errorf("failed to close destination file: %v", err)
		}
	}()

	conn, err := listener.AcceptUTPContext(ctx)
	if err != nil {
		logger.Fatalf("accept failed: %v", err)
	}
	logger.Infof("accepted connection from %s", conn.RemoteAddr())
	startTime := time.Now()

	var (
		buf       = make([]byte, 64*1024)
		totalRecv int64
		lastRecv  int64
		lastTime  = startTime
	)
	for {
		n, err := conn.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := destFile.Write(buf[:n]); werr != nil {
				logger.Errorf("failed to write to destination file: %v", werr)
				break
			}
			totalRecv += int64(n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Errorf("read failed: %v", err)
			}
			break
		}
		if curTime := time.Now(); curTime.After(lastTime.Add(time.Second)) {
			rate := float64(totalRecv-lastRecv) / curTime.Sub(lastTime).Seconds()
			lastRecv, lastTime = totalRecv, curTime
			fmt.Printf("\r[%d] recv: %d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), totalRecv, rate)
		}
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer closeCancel()
	if err := conn.CloseContext(closeCtx); err != nil {
		logger.Debugf("close: %v", err)
	}
	fmt.Printf("\nreceived: %d bytes in %s\n", totalRecv, time.Since(startTime).Round(time.Millisecond))
}
