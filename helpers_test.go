package dtls_bridge

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/transport/v2/deadline"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	defaultWait = 5 * time.Second
	defaultTick = 10 * time.Millisecond
)

var errFakeBufferTooSmall = errors.New("buffer is too small")

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

// fakeConn is an in-memory net.Conn with real deadline semantics.
type fakeConn struct {
	reads   chan []byte
	readErr chan error
	writes  chan []byte

	blockWrites *atomic.Bool
	shortWrite  *atomic.Bool

	readDeadline  *deadline.Deadline
	writeDeadline *deadline.Deadline

	closeOnce  sync.Once
	closed     chan struct{}
	closeCount *atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:         make(chan []byte, 64),
		readErr:       make(chan error, 1),
		writes:        make(chan []byte, 64),
		blockWrites:   atomic.NewBool(false),
		shortWrite:    atomic.NewBool(false),
		readDeadline:  deadline.New(),
		writeDeadline: deadline.New(),
		closed:        make(chan struct{}),
		closeCount:    atomic.NewInt32(0),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	select {
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.readDeadline.Done():
		return 0, fakeTimeoutError{}
	case err := <-c.readErr:
		return 0, err
	case b := <-c.reads:
		if len(b) > len(p) {
			return 0, errFakeBufferTooSmall
		}
		return copy(p, b), nil
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	if c.blockWrites.Load() {
		select {
		case <-c.closed:
			return 0, net.ErrClosed
		case <-c.writeDeadline.Done():
			return 0, fakeTimeoutError{}
		}
	}

	if c.shortWrite.Load() && len(p) > 0 {
		return len(p) - 1, nil
	}

	b := make([]byte, len(p))
	copy(b, p)
	select {
	case c.writes <- b:
		return len(p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeCount.Inc()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4443}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *fakeConn) SetDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	c.writeDeadline.Set(t)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return nil
}

// fakeListener hands out queued conns or errors from Accept.
type fakeListener struct {
	accepts   chan acceptResult
	closeOnce sync.Once
	closed    chan struct{}
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		accepts: make(chan acceptResult, 16),
		closed:  make(chan struct{}),
	}
}

func (l *fakeListener) push(conn net.Conn) {
	l.accepts <- acceptResult{conn: conn}
}

func (l *fakeListener) pushErr(err error) {
	l.accepts <- acceptResult{err: err}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	select {
	case <-l.closed:
		return nil, net.ErrClosed
	case r := <-l.accepts:
		return r.conn, r.err
	}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeListener) Addr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4443}
}

func loopback() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// writeCertPair writes a fresh self-signed certificate for localhost and its
// PKCS8 key into dir. The certificate doubles as its own CA.
func writeCertPair(t *testing.T, dir, name string) (keyPath, certPath string) {
	t.Helper()

	cert, err := selfsign.GenerateSelfSignedWithDNS("localhost", "localhost")
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)

	keyPath = filepath.Join(dir, name+".key")
	certPath = filepath.Join(dir, name+"-pub.pem")

	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	return keyPath, certPath
}
