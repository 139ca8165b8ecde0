// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"storj.io/ledbat-utp"
)

const (
	tlsTestRepeats = 20
	tlsServerName  = "abcd.efg"
	sekritMessage  = "hello"
)

func TestTLSOverUTPInParallel(t *testing.T) {
	serverCert, certPool := newSelfSignedCert(t, tlsServerName)

	serverConfig := tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS13,
	}
	clientConfig := tls.Config{
		RootCAs:    certPool,
		MinVersion: tls.VersionTLS13,
		ServerName: tlsServerName,
	}
	addrChan := make(chan *utp.Addr, 1)

	logger := newTestLogger(t)
	group := newLabeledErrgroup(context.Background())

	group.Go(func(ctx context.Context) (err error) {
		server, err := utp.ListenTLSOptions("utp", "127.0.0.1:0", &serverConfig, utp.WithLogger(logger.WithName("server")))
		if err != nil {
			logger.Error(err, "could not listen")
			return err
		}
		addrChan <- server.Addr().(*utp.Addr)

		// close the listener on return or on context cancel, whichever is first
		defer closeOnContextCancel(ctx, logger, server)(&err)

		for i := 0; i < tlsTestRepeats; i++ {
			incoming, err := server.Accept()
			if err != nil {
				logger.Error(err, "could not accept")
				return err
			}

			group.Go(func(ctx context.Context) (err error) {
				defer closeOnContextCancel(ctx, logger, incoming)(&err)
				return handleTLSConn(incoming)
			}, "task", "handleConn", "i", strconv.Itoa(i))
		}
		return nil
	}, "task", "listen")

	addr := <-addrChan
	for i := 0; i < tlsTestRepeats; i++ {
		group.Go(func(ctx context.Context) (err error) {
			client, err := utp.DialTLSContext(ctx, addr.Network(), addr.String(), &clientConfig, utp.WithLogger(logger.WithName("client")))
			if err != nil {
				return err
			}
			defer closeOnContextCancel(ctx, logger, client)(&err)

			message, err := io.ReadAll(client)
			if err != nil {
				return err
			}
			if string(message) != sekritMessage {
				return fmt.Errorf("got message %q, expected %q", message, sekritMessage)
			}
			return nil
		}, "task", "client", "i", strconv.Itoa(i))
	}

	err := group.Wait()
	require.NoError(t, err)
}

func TestDialTLSRejectsUnknownAuthority(t *testing.T) {
	serverCert, _ := newSelfSignedCert(t, tlsServerName)
	_, otherPool := newSelfSignedCert(t, tlsServerName)

	logger := newTestLogger(t)
	server, err := utp.ListenTLSOptions("utp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS13,
	}, utp.WithLogger(logger.WithName("server")))
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	go func() {
		conn, err := server.Accept()
		if err != nil {
			return
		}
		_ = conn.(*tls.Conn).Handshake()
		_ = conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = utp.DialTLSContext(ctx, "utp", server.Addr().String(), &tls.Config{
		RootCAs:    otherPool,
		MinVersion: tls.VersionTLS13,
		ServerName: tlsServerName,
	}, utp.WithLogger(logger.WithName("client")))
	require.Error(t, err)
	var unknownAuthority x509.UnknownAuthorityError
	require.ErrorAs(t, err, &unknownAuthority)
}

func handleTLSConn(incoming net.Conn) error {
	tlsConn := incoming.(*tls.Conn)
	err := tlsConn.Handshake()
	if err != nil {
		return err
	}

	connState := tlsConn.ConnectionState()
	if connState.Version != tls.VersionTLS13 {
		return fmt.Errorf("bad tls version %d != VersionTLS13", connState.Version)
	}

	_, err = tlsConn.Write([]byte(sekritMessage))
	return err
}

// newSelfSignedCert makes a throwaway certificate for serverName, along with
// a pool that trusts it.
func newSelfSignedCert(tb testing.TB, serverName string) (tls.Certificate, *x509.CertPool) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: serverName, Organization: []string{"ledbat-utp tests"}},
		DNSNames:              []string{serverName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(tb, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(tb, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

type closeable interface {
	Close() error
}

func closeOnContextCancel(ctx context.Context, logger logr.Logger, x closeable) func(*error) {
	var (
		once       sync.Once
		closeErr   error
		cancelChan = make(chan struct{})
	)
	go func() {
		select {
		case <-ctx.Done():
			once.Do(func() {
				logger.V(1).Info("context closed. closing object", "err", ctx.Err(), "obj-type", fmt.Sprintf("%T", x))
				closeErr = x.Close()
			})
		case <-cancelChan:
		}
	}()
	return func(errPointer *error) {
		close(cancelChan)
		once.Do(func() {
			logger.V(1).Info("function complete. closing object", "err", *errPointer, "obj-type", fmt.Sprintf("%T", x))
			closeErr = x.Close()
		})
		// the peer may tear down first, so a close error alone is not a failure
		if closeErr != nil {
			logger.V(1).Info("close failed", "err", closeErr, "obj-type", fmt.Sprintf("%T", x))
		}
	}
}
