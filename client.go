package dtls_bridge

import (
	"context"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"go.uber.org/zap"
)

// Client dials one DTLS peer and bridges it to a frame loop. Every method is
// non-blocking except Start and Shutdown, and the Client must be driven from
// a single goroutine.
type Client struct {
	opts ClientOptions
	rt   *Runtime
	pool *PayloadPool

	conn   *sharedConn
	remote string
	active *ActiveRecorder
	cancel context.CancelFunc

	outbound chan []byte
	inbound  chan Datagram
	timeouts chan Timeout

	sender *JoinHandle
	recver *JoinHandle
}

func NewClient(opts ClientOptions) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		rt:       NewRuntime("client"),
		pool:     NewPayloadPool(opts.BufSize),
		timeouts: make(chan Timeout, opts.QueueSize),
	}
}

// Start dials cfg.RemoteAddress and spawns the sender and receiver. It fails
// with ErrNotClosed unless IsClosed.
func (c *Client) Start(cfg ClientConfig) error {
	if !c.IsClosed() {
		return ErrNotClosed
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	dtlsConfig, err := cfg.CertOption.toDtlsConfig()
	if err != nil {
		return err
	}

	pconn, err := net.DialUDP("udp", cloneUDPAddr(cfg.LocalAddress), cloneUDPAddr(cfg.RemoteAddress))
	if err != nil {
		return &BindError{Addr: addrString(cfg.LocalAddress), Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	dconn, err := dtls.ClientWithContext(ctx, pconn, dtlsConfig)
	cancel()
	observeHandshake("client", err)
	if err != nil {
		_ = pconn.Close()
		return &DialError{Addr: cfg.RemoteAddress.String(), Err: err}
	}

	now := time.Now()
	c.conn = newSharedConn(dconn)
	c.remote = addrString(dconn.RemoteAddr())
	c.active = NewActiveRecorder(now, now)
	c.outbound = make(chan []byte, c.opts.QueueSize)
	c.inbound = make(chan Datagram, c.opts.QueueSize)
	// timeouts of the previous connection are not carried over
	c.timeouts = make(chan Timeout, c.opts.QueueSize)
	c.spawn()

	logger.Info("client connected",
		zap.String("side", "client"),
		zap.String("remote", c.remote),
		zap.String("cert", cfg.CertOption.String()))
	return nil
}

func (c *Client) spawn() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	s := &sender{
		conn:        c.conn,
		sendTimeout: c.opts.SendTimeout,
		active:      c.active,
		outbound:    c.outbound,
		timeouts:    c.timeouts,
	}
	r := &receiver{
		conn:     c.conn,
		pool:     c.pool,
		active:   c.active,
		inbound:  c.inbound,
		timeouts: c.timeouts,
	}

	c.sender = c.rt.Spawn("client-sender", func() error { return s.run(ctx, cancel) })
	c.recver = c.rt.Spawn("client-receiver", func() error { return r.run(ctx, cancel) })
}

// Send queues a copy of b for the sender. It fails with ErrNotConnected once
// the sender has exited, even before HealthCheck reaps it.
func (c *Client) Send(b []byte) error {
	if c.outbound == nil || c.sender == nil || c.sender.IsFinished() {
		return ErrNotConnected
	}

	msg := make([]byte, len(b))
	copy(msg, b)

	select {
	case c.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) Recv() ([]byte, bool) {
	if c.inbound == nil {
		return nil, false
	}

	select {
	case d := <-c.inbound:
		return d.Data, true
	default:
		return nil, false
	}
}

func (c *Client) TimeoutCheck() (Timeout, bool) {
	select {
	case t := <-c.timeouts:
		return t, true
	default:
		return Timeout{}, false
	}
}

// HealthCheck reaps finished workers. Once both are gone the connection slot
// is cleared and Closed is reported.
func (c *Client) HealthCheck() ClientHealth {
	var h ClientHealth

	if c.sender != nil && c.sender.IsFinished() {
		h.Sender = finished(c.sender.Join())
		c.sender = nil
	}
	if c.recver != nil && c.recver.IsFinished() {
		h.Recver = finished(c.recver.Join())
		c.recver = nil
	}

	if c.conn != nil && c.sender == nil && c.recver == nil {
		c.cancel()
		c.cancel = nil
		c.conn = nil
		c.outbound = nil
		c.inbound = nil
		h.Closed = true

		logger.Info("client closed",
			zap.String("side", "client"),
			zap.String("remote", c.remote))
	}

	return h
}

// Disconnect signals both workers and drops the send and receive endpoints.
// It is safe to call on a closed client.
func (c *Client) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.outbound = nil
	c.inbound = nil
}

func (c *Client) IsClosed() bool {
	return c.conn == nil &&
		c.sender == nil &&
		c.recver == nil &&
		c.outbound == nil &&
		c.inbound == nil
}

// Shutdown disconnects, waits for both workers and reaps them.
func (c *Client) Shutdown() ClientHealth {
	c.Disconnect()
	c.rt.Wait()
	return c.HealthCheck()
}

// Info describes the current connection. ok is false when there is none.
func (c *Client) Info() (ConnInfo, bool) {
	if c.conn == nil {
		return ConnInfo{}, false
	}
	return ConnInfo{
		RemoteAddr: c.remote,
		Running:    c.sender != nil || c.recver != nil,
		LastRecv:   c.active.LastRead(),
		LastSend:   c.active.LastWrite(),
	}, true
}
