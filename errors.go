package dtls_bridge

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotClosed      = errors.New("dtls bridge: not closed")
	ErrNotConnected   = errors.New("dtls bridge: not connected")
	ErrNoSuchConn     = errors.New("dtls bridge: no such conn")
	ErrQueueFull      = errors.New("dtls bridge: queue full")
	ErrIndexExhausted = errors.New("dtls bridge: conn index exhausted")
	ErrAlreadyStarted = errors.New("dtls bridge: worker already started or not reaped by health check")
	ErrInboundClosed  = errors.New("dtls bridge: inbound queue closed")
	ErrInvalidConfig  = errors.New("dtls bridge: invalid config")

	// ErrPeerClosed is wrapped by the terminal error of a receiver whose peer
	// sent close_notify or a fatal alert.
	ErrPeerClosed = errors.New("dtls bridge: peer closed")
)

// CertLoadError reports a PEM file that could not be read or parsed.
type CertLoadError struct {
	Path string
	Err  error
}

func (e *CertLoadError) Error() string {
	return fmt.Sprintf("load cert %s: %v", e.Path, e.Err)
}

func (e *CertLoadError) Unwrap() error { return e.Err }

// BindError reports a failure to bind the local UDP socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DialError reports a failed DTLS handshake with the remote peer.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// IoError is the terminal error of a worker that hit a transport failure.
type IoError struct {
	Index ConnIndex
	Op    string
	Err   error
}

func (e *IoError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("conn %d: %s: %v", e.Index, e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// IsPeerClosed reports whether err describes a graceful or fatal close by the peer.
func IsPeerClosed(err error) bool {
	return errors.Is(err, ErrPeerClosed)
}

// alertCloser matches the alert error of the DTLS library without depending
// on its unexported type.
type alertCloser interface {
	IsFatalOrCloseNotify() bool
}

func classifyConnErr(index ConnIndex, op string, err error) error {
	var alert alertCloser
	if errors.Is(err, io.EOF) || (errors.As(err, &alert) && alert.IsFatalOrCloseNotify()) {
		return &IoError{Index: index, Op: op, Err: fmt.Errorf("%w: %v", ErrPeerClosed, err)}
	}
	return &IoError{Index: index, Op: op, Err: err}
}
