package reactor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSignedCert generates an ECDSA self-signed certificate for
// "127.0.0.1" and writes it and its key as PEM files under dir, returning
// their paths.
func writeSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func setupTestTLS(t *testing.T) {
	t.Helper()

	certPath, keyPath := writeSelfSignedCert(t, t.TempDir())

	err := SetTLSOptions(TLSConfig{
		CertFile: certPath,
		KeyFile:  keyPath,
	})
	require.NoError(t, err)

	t.Cleanup(ClearTLSOptions)
}

func TestNewTLSConnection_RequiresConfiguredOptions(t *testing.T) {
	ClearTLSOptions()

	_, err := NewTLSConnection(1, "local", "remote", TLSServer)
	assert.ErrorIs(t, err, ErrTLSOptionsNotSet)
}

func TestTLSConnection_HandshakeAndRoundTrip(t *testing.T) {
	setupTestTLS(t)
	loop := startLoop(t)

	serverFD, clientFD := newTestSocketpair(t)

	serverConnected := make(chan Conn, 1)
	serverReceived := make(chan string, 1)

	loop.RunInLoop(func() {
		sc, err := NewTLSConnection(serverFD, "local", "remote", TLSServer)
		require.NoError(t, err)

		sc.SetConnectionCallback(func(c Conn) {
			if c.IsConnected() {
				serverConnected <- c
			}
		})
		sc.SetMessageCallback(func(c Conn, buf *Buffer) {
			serverReceived <- string(buf.Bytes())
			buf.Skip(buf.Len())
		})
		sc.AttachToLoop(loop)
	})

	clientConnected := make(chan Conn, 1)

	loop.RunInLoop(func() {
		cc, err := NewTLSConnection(clientFD, "local", "remote", TLSClient)
		require.NoError(t, err)

		cc.SetConnectionCallback(func(c Conn) {
			if c.IsConnected() {
				clientConnected <- c
			}
		})
		cc.AttachToLoop(loop)
	})

	var serverConn, clientConn Conn

	select {
	case serverConn = <-serverConnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never completed handshake")
	}

	select {
	case clientConn = <-clientConnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client side never completed handshake")
	}

	assert.True(t, serverConn.IsTLSConnection())
	assert.True(t, clientConn.IsTLSConnection())

	clientConn.Send([]byte("hello over tls"))

	select {
	case got := <-serverReceived:
		assert.Equal(t, "hello over tls", got)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the tls message")
	}
}

func TestTLSConnection_CloseIsIdempotentAndFiresCallbackOnce(t *testing.T) {
	setupTestTLS(t)
	loop := startLoop(t)

	serverFD, clientFD := newTestSocketpair(t)

	var closeCBCount atomic.Int32
	connected := make(chan *TLSConnection, 1)
	closed := make(chan struct{})

	loop.RunInLoop(func() {
		sc, err := NewTLSConnection(serverFD, "local", "remote", TLSServer)
		require.NoError(t, err)

		sc.SetConnectionCallback(func(c Conn) {
			if c.IsConnected() {
				connected <- sc
			} else if c.IsDisconnected() {
				close(closed)
			}
		})
		sc.SetCloseCallback(func(c Conn) { closeCBCount.Add(1) })
		sc.AttachToLoop(loop)
	})

	loop.RunInLoop(func() {
		cc, err := NewTLSConnection(clientFD, "local", "remote", TLSClient)
		require.NoError(t, err)
		cc.AttachToLoop(loop)
	})

	var sc *TLSConnection

	select {
	case sc = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never completed handshake")
	}

	sc.Close()
	sc.Close() // idempotent

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never closed")
	}

	assert.EqualValues(t, 1, closeCBCount.Load())
}
