package dtls_bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/examples/util"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
)

type clientCertKind int

const (
	clientCertUnset clientCertKind = iota
	clientCertInsecure
	clientCertLoad
	clientCertLoadWithClientAuth
)

// ClientCertOption selects how a client authenticates the server and itself.
// The zero value is invalid; there is no implicit insecure default.
type ClientCertOption struct {
	kind        clientCertKind
	ServerName  string
	PrivKeyPath string
	CertPath    string
	RootCAPath  string
}

// InsecureClientCert skips verification of the server certificate entirely.
func InsecureClientCert() ClientCertOption {
	return ClientCertOption{kind: clientCertInsecure}
}

// LoadClientCert verifies the server against the CA bundle at rootCAPath.
func LoadClientCert(serverName, rootCAPath string) ClientCertOption {
	return ClientCertOption{
		kind:       clientCertLoad,
		ServerName: serverName,
		RootCAPath: rootCAPath,
	}
}

// LoadClientCertWithClientAuth is LoadClientCert plus a client certificate
// for mutual authentication.
func LoadClientCertWithClientAuth(serverName, privKeyPath, certPath, rootCAPath string) ClientCertOption {
	return ClientCertOption{
		kind:        clientCertLoadWithClientAuth,
		ServerName:  serverName,
		PrivKeyPath: privKeyPath,
		CertPath:    certPath,
		RootCAPath:  rootCAPath,
	}
}

func (o ClientCertOption) String() string {
	switch o.kind {
	case clientCertInsecure:
		return "insecure"
	case clientCertLoad:
		return "load"
	case clientCertLoadWithClientAuth:
		return "load-with-client-auth"
	default:
		return "unset"
	}
}

func (o ClientCertOption) validate() error {
	if o.kind == clientCertUnset {
		return fmt.Errorf("%w: client cert option is not set", ErrInvalidConfig)
	}
	return nil
}

func (o ClientCertOption) toDtlsConfig() (*dtls.Config, error) {
	config := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        newDtlsLoggerFactory(),
	}

	switch o.kind {
	case clientCertInsecure:
		config.InsecureSkipVerify = true

	case clientCertLoad:
		pool, err := loadCertPool(o.RootCAPath)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
		config.ServerName = o.ServerName

	case clientCertLoadWithClientAuth:
		cert, err := loadKeyAndCertificate(o.PrivKeyPath, o.CertPath)
		if err != nil {
			return nil, err
		}
		pool, err := loadCertPool(o.RootCAPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
		config.RootCAs = pool
		config.ServerName = o.ServerName

	default:
		return nil, o.validate()
	}

	return config, nil
}

type serverCertKind int

const (
	serverCertUnset serverCertKind = iota
	serverCertSelfSigned
	serverCertLoad
	serverCertLoadWithClientAuth
)

// ServerCertOption selects the server certificate and whether clients must
// present one.
type ServerCertOption struct {
	kind           serverCertKind
	SubjectAltName string
	PrivKeyPath    string
	CertPath       string
	ClientCAPath   string
}

// SelfSignedServerCert generates a fresh certificate on every Start.
func SelfSignedServerCert(subjectAltName string) ServerCertOption {
	return ServerCertOption{
		kind:           serverCertSelfSigned,
		SubjectAltName: subjectAltName,
	}
}

func LoadServerCert(privKeyPath, certPath string) ServerCertOption {
	return ServerCertOption{
		kind:        serverCertLoad,
		PrivKeyPath: privKeyPath,
		CertPath:    certPath,
	}
}

// LoadServerCertWithClientAuth requires and verifies a client certificate
// issued by the CA bundle at clientCAPath.
func LoadServerCertWithClientAuth(privKeyPath, certPath, clientCAPath string) ServerCertOption {
	return ServerCertOption{
		kind:         serverCertLoadWithClientAuth,
		PrivKeyPath:  privKeyPath,
		CertPath:     certPath,
		ClientCAPath: clientCAPath,
	}
}

func (o ServerCertOption) String() string {
	switch o.kind {
	case serverCertSelfSigned:
		return "self-signed"
	case serverCertLoad:
		return "load"
	case serverCertLoadWithClientAuth:
		return "load-with-client-auth"
	default:
		return "unset"
	}
}

func (o ServerCertOption) validate() error {
	if o.kind == serverCertUnset {
		return fmt.Errorf("%w: server cert option is not set", ErrInvalidConfig)
	}
	return nil
}

func (o ServerCertOption) toDtlsConfig(handshakeTimeout time.Duration) (*dtls.Config, error) {
	config := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        newDtlsLoggerFactory(),
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), handshakeTimeout)
		},
	}

	switch o.kind {
	case serverCertSelfSigned:
		cert, err := selfsign.GenerateSelfSignedWithDNS(o.SubjectAltName, o.SubjectAltName)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed cert for %s: %w", o.SubjectAltName, err)
		}
		config.Certificates = []tls.Certificate{cert}

	case serverCertLoad:
		cert, err := loadKeyAndCertificate(o.PrivKeyPath, o.CertPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}

	case serverCertLoadWithClientAuth:
		cert, err := loadKeyAndCertificate(o.PrivKeyPath, o.CertPath)
		if err != nil {
			return nil, err
		}
		pool, err := loadCertPool(o.ClientCAPath)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
		config.ClientAuth = dtls.RequireAndVerifyClientCert
		config.ClientCAs = pool

	default:
		return nil, o.validate()
	}

	return config, nil
}

func loadKeyAndCertificate(privKeyPath, certPath string) (tls.Certificate, error) {
	// load the chain alone first so a bad chain is reported against its own path
	if _, err := util.LoadCertificate(certPath); err != nil {
		return tls.Certificate{}, &CertLoadError{Path: certPath, Err: err}
	}

	cert, err := util.LoadKeyAndCertificate(privKeyPath, certPath)
	if err != nil {
		return tls.Certificate{}, &CertLoadError{Path: privKeyPath, Err: err}
	}
	return cert, nil
}

// loadCertPool adds every certificate of a PEM bundle to a fresh pool.
func loadCertPool(path string) (*x509.CertPool, error) {
	bundle, err := util.LoadCertificate(path)
	if err != nil {
		return nil, &CertLoadError{Path: path, Err: err}
	}

	pool := x509.NewCertPool()
	for _, der := range bundle.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &CertLoadError{Path: path, Err: err}
		}
		pool.AddCert(cert)
	}
	return pool, nil
}
