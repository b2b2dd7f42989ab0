package dtls_bridge

import (
	"fmt"
	"net"
	"time"
)

const (
	DefaultBufSize          = 1500
	DefaultQueueSize        = 1024
	DefaultSendTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

type ClientConfig struct {
	// LocalAddress may be nil to let the kernel pick a port.
	LocalAddress  *net.UDPAddr
	RemoteAddress *net.UDPAddr
	CertOption    ClientCertOption
}

func (c ClientConfig) validate() error {
	if c.RemoteAddress == nil {
		return fmt.Errorf("%w: remote address is required", ErrInvalidConfig)
	}
	return c.CertOption.validate()
}

type ServerConfig struct {
	ListenAddress *net.UDPAddr
	CertOption    ServerCertOption
	// MaxClients caps simultaneously admitted peers.
	MaxClients int
}

func (c ServerConfig) validate() error {
	if c.ListenAddress == nil {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("%w: max clients must be at least 1, got %d", ErrInvalidConfig, c.MaxClients)
	}
	return c.CertOption.validate()
}

type ClientOptions struct {
	// BufSize is the receive buffer size. A record larger than this
	// terminates the receiver with an IoError.
	BufSize          int
	SendTimeout      time.Duration
	QueueSize        int
	HandshakeTimeout time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BufSize:          DefaultBufSize,
		SendTimeout:      DefaultSendTimeout,
		QueueSize:        DefaultQueueSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	d := DefaultClientOptions()
	if o.BufSize <= 0 {
		o.BufSize = d.BufSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	return o
}

type ServerOptions struct {
	BufSize     int
	SendTimeout time.Duration
	// RecvTimeout is the inactivity period after which a RecvTimeout is
	// queued. Zero disables it.
	RecvTimeout      time.Duration
	QueueSize        int
	HandshakeTimeout time.Duration
}

func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		BufSize:          DefaultBufSize,
		SendTimeout:      DefaultSendTimeout,
		QueueSize:        DefaultQueueSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (o ServerOptions) withDefaults() ServerOptions {
	d := DefaultServerOptions()
	if o.BufSize <= 0 {
		o.BufSize = d.BufSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.RecvTimeout < 0 {
		o.RecvTimeout = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	return o
}
