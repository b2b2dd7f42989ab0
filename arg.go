package dtls_bridge

import (
	"fmt"
	"net"
	"time"
)

// CommonOptions is the flat set of command line options shared by the
// client and server binaries.
type CommonOptions struct {
	ListenAddress string
	RemoteAddress string

	KeyPath    string
	CertPath   string
	CAPath     string
	ServerName string
	// SubjectAltName is used by a server that has no key and cert on disk.
	SubjectAltName string
	Insecure       bool

	BufSize          int
	QueueSize        int
	MaxClients       int
	SendTimeout      time.Duration
	RecvTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func DefaultCommonOptions() CommonOptions {
	return CommonOptions{
		ListenAddress:    "0.0.0.0:4443",
		RemoteAddress:    "127.0.0.1:4443",
		SubjectAltName:   "localhost",
		BufSize:          DefaultBufSize,
		QueueSize:        DefaultQueueSize,
		MaxClients:       16,
		SendTimeout:      DefaultSendTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func resolveUDPAddr(address string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrInvalidConfig, address, err)
	}
	return addr, nil
}

// ParseClientConfig turns o into a client config. Insecure wins over any cert
// path. A key and cert together enable client authentication.
func ParseClientConfig(o CommonOptions) (ClientConfig, ClientOptions, error) {
	var config ClientConfig

	remote, err := resolveUDPAddr(o.RemoteAddress)
	if err != nil {
		return config, ClientOptions{}, err
	}
	config.RemoteAddress = remote

	if o.ListenAddress != "" {
		local, err := resolveUDPAddr(o.ListenAddress)
		if err != nil {
			return config, ClientOptions{}, err
		}
		config.LocalAddress = local
	}

	switch {
	case o.Insecure:
		config.CertOption = InsecureClientCert()
	case o.CAPath == "":
		return config, ClientOptions{}, fmt.Errorf("%w: a CA bundle is required unless insecure", ErrInvalidConfig)
	case o.KeyPath != "" && o.CertPath != "":
		config.CertOption = LoadClientCertWithClientAuth(o.ServerName, o.KeyPath, o.CertPath, o.CAPath)
	case o.KeyPath != "" || o.CertPath != "":
		return config, ClientOptions{}, fmt.Errorf("%w: key and cert must be given together", ErrInvalidConfig)
	default:
		config.CertOption = LoadClientCert(o.ServerName, o.CAPath)
	}

	opts := ClientOptions{
		BufSize:          o.BufSize,
		SendTimeout:      o.SendTimeout,
		QueueSize:        o.QueueSize,
		HandshakeTimeout: o.HandshakeTimeout,
	}
	return config, opts.withDefaults(), nil
}

// ParseServerConfig turns o into a server config. Without a key and cert a
// self-signed certificate for SubjectAltName is generated; a CA bundle
// additionally requires client certificates.
func ParseServerConfig(o CommonOptions) (ServerConfig, ServerOptions, error) {
	config := ServerConfig{MaxClients: o.MaxClients}

	listen, err := resolveUDPAddr(o.ListenAddress)
	if err != nil {
		return config, ServerOptions{}, err
	}
	config.ListenAddress = listen

	switch {
	case o.KeyPath == "" && o.CertPath == "":
		if o.CAPath != "" {
			return config, ServerOptions{}, fmt.Errorf("%w: client auth needs a key and cert", ErrInvalidConfig)
		}
		config.CertOption = SelfSignedServerCert(o.SubjectAltName)
	case o.KeyPath == "" || o.CertPath == "":
		return config, ServerOptions{}, fmt.Errorf("%w: key and cert must be given together", ErrInvalidConfig)
	case o.CAPath != "":
		config.CertOption = LoadServerCertWithClientAuth(o.KeyPath, o.CertPath, o.CAPath)
	default:
		config.CertOption = LoadServerCert(o.KeyPath, o.CertPath)
	}

	if err := config.validate(); err != nil {
		return config, ServerOptions{}, err
	}

	opts := ServerOptions{
		BufSize:          o.BufSize,
		SendTimeout:      o.SendTimeout,
		RecvTimeout:      o.RecvTimeout,
		QueueSize:        o.QueueSize,
		HandshakeTimeout: o.HandshakeTimeout,
	}
	return config, opts.withDefaults(), nil
}
