package dtls_bridge

import (
	"net"
	"time"
)

// Conn is the capability a worker needs from an established DTLS connection.
// *dtls.Conn satisfies it.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// ClientTransport is the datagram surface an ordered or reliable channel
// layer builds on top of a Client.
type ClientTransport interface {
	Send(b []byte) error
	Recv() ([]byte, bool)
	IsClosed() bool
}

// ServerTransport is the server counterpart of ClientTransport.
type ServerTransport interface {
	Send(index ConnIndex, b []byte) error
	Broadcast(b []byte) int
	Recv() (Datagram, bool)
	ClientIndices() []ConnIndex
	IsClosed() bool
}

var (
	_ ClientTransport = (*Client)(nil)
	_ ServerTransport = (*Server)(nil)
	_ Conn            = net.Conn(nil)
)
