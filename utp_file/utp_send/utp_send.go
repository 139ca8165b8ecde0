// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Command utp_send uploads a file over a µTP connection using the net.Conn
// interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storj.io/ledbat-utp"
	"storj.io/ledbat-utp/libutp"
)

var (
	debug       = flag.Bool("debug", false, "Enable debug logging")
	configPath  = flag.String("config", "", "YAML file with protocol tunables")
	dialTimeout = flag.Duration("timeout", 10*time.Second, "How long to wait for the connection to be established")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] dest-addr file-to-send

   dest-addr: destination node to connect to, in the form <host>:<port>
   file-to-send: the file to upload

`, os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	dest := args[0]
	fileName := args[1]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(-10)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger := plainLogger.Sugar()
	defer func() { _ = logger.Sync() }()

	options := []utp.ConnectOption{utp.WithLogger(zapr.NewLogger(plainLogger))}
	if *configPath != "" {
		cfg, err := libutp.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("could not load config: %v", err)
		}
		options = append(options, utp.WithConfig(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dataFile, err := os.Open(fileName)
	if err != nil {
		logger.Fatalf("failed to open source: %v", err)
	}
	defer func() { _ = dataFile.Close() }()
	info, err := dataFile.Stat()
	if err != nil {
		logger.Fatalf("could not determine size of input file: %v", err)
	}

	rAddr, err := utp.ResolveUTPAddr("utp", dest)
	if err != nil {
		logger.Fatalf("could not resolve destination %q: %v", dest, err)
	}
	logger.Infof("connecting to %s", rAddr)
	dialCtx, dialCancel := context.WithTimeout(ctx, *dialTimeout)
	conn, err := utp.DialUTPContext(dialCtx, "utp", nil, rAddr, options...)
	dialCancel()
	if err != nil {
		logger.Fatalf("could not connect: %v", err)
	}
	logger.Infof("sending %q (%d bytes)", fileName, info.Size())

	startTime := time.Now()
	var sent atomic.Int64
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last := int64(0)
		lastTime := startTime
		for {
			select {
			case <-ctx.Done():
				return
			case curTime := <-ticker.C:
				n := sent.Load()
				rate := float64(n-last) / curTime.Sub(lastTime).Seconds()
				last, lastTime = n, curTime
				fmt.Printf("\r[%d] sent: %d/%d  %.1f bytes/s  ", curTime.Sub(startTime).Milliseconds(), n, info.Size(), rate)
			}
		}
	}()

	_, copyErr := io.Copy(&countingWriter{ctx: ctx, conn: conn, n: &sent}, dataFile)
	if copyErr != nil {
		logger.Errorf("upload failed: %v", copyErr)
	}
	if err := conn.CloseContext(ctx); err != nil {
		logger.Errorf("close failed: %v", err)
	}
	cancel()
	<-progressDone

	stats := conn.Stats()
	fmt.Printf("\nsent: %d bytes in %s\n", sent.Load(), time.Since(startTime).Round(time.Millisecond))
	fmt.Printf("packets: %d sent, %d retransmitted, %d fast retransmitted\n", stats.NXmit, stats.ReXmit, stats.FastReXmit)
	if copyErr != nil {
		os.Exit(1)
	}
}

type countingWriter struct {
	ctx  context.Context
	conn *utp.Conn
	n    *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.conn.WriteContext(w.ctx, p)
	w.n.Add(int64(n))
	return n, err
}
