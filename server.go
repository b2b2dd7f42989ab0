package dtls_bridge

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Server accepts many DTLS peers and multiplexes their traffic onto shared
// queues polled by a frame loop. Every method is non-blocking except Start
// and Shutdown, and the Server must be driven from a single goroutine.
type Server struct {
	id       string
	opts     ServerOptions
	rt       *Runtime
	pool     *PayloadPool
	registry Registry
	next     *atomic.Uint64

	listener *sharedListener
	cancel   context.CancelFunc
	accepter *JoinHandle

	accepted    chan ConnIndex
	inbound     chan Datagram
	timeouts    chan Timeout
	inboundDone chan struct{}
}

func NewServer(opts ServerOptions) *Server {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Server{
		id:       id,
		opts:     opts,
		rt:       NewRuntime("server-" + id),
		pool:     NewPayloadPool(opts.BufSize),
		registry: NewRegistry(),
		next:     atomic.NewUint64(1),
	}
}

func (s *Server) ID() string {
	return s.id
}

// Start binds cfg.ListenAddress and spawns the accepter. It fails with
// ErrNotClosed unless IsClosed.
func (s *Server) Start(cfg ServerConfig) error {
	if !s.IsClosed() {
		return ErrNotClosed
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	dtlsConfig, err := cfg.CertOption.toDtlsConfig(s.opts.HandshakeTimeout)
	if err != nil {
		return err
	}

	l, err := dtls.Listen("udp", cloneUDPAddr(cfg.ListenAddress), dtlsConfig)
	if err != nil {
		return &BindError{Addr: cfg.ListenAddress.String(), Err: err}
	}

	s.listener = newSharedListener(l)
	s.accepted = make(chan ConnIndex, s.opts.QueueSize)
	s.inbound = make(chan Datagram, s.opts.QueueSize)
	s.timeouts = make(chan Timeout, s.opts.QueueSize)
	s.inboundDone = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	a := newAccepter(s.listener, s.registry, cfg.MaxClients, s.accepted, s.next)
	s.accepter = s.rt.Spawn("accepter", func() error { return a.run(ctx) })

	logger.Info("server is running",
		zap.String("server_id", s.id),
		zap.String("listen", addrString(l.Addr())),
		zap.String("cert", cfg.CertOption.String()),
		zap.Int("max_clients", cfg.MaxClients))
	return nil
}

// LocalAddr is the bound listen address, or nil when not listening.
func (s *Server) LocalAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Acpt returns the next admitted index. The caller is expected to StartConn it.
// Indices admitted before the accepter exited stay available until Close.
func (s *Server) Acpt() (ConnIndex, bool) {
	if s.accepted == nil {
		return 0, false
	}

	select {
	case index := <-s.accepted:
		return index, true
	default:
		return 0, false
	}
}

// StartConn spawns the sender and receiver of an admitted peer.
func (s *Server) StartConn(index ConnIndex) error {
	if s.inbound == nil {
		return ErrNotConnected
	}

	var err error
	ok := s.registry.GetMut(index, func(rec *connRecord) {
		if rec.running {
			err = ErrAlreadyStarted
			return
		}
		if rec.ctx.Err() != nil {
			err = ErrNotConnected
			return
		}

		rec.outbound = make(chan []byte, s.opts.QueueSize)

		snd := &sender{
			index:        index,
			conn:         rec.conn,
			sendTimeout:  s.opts.SendTimeout,
			active:       rec.active,
			outbound:     rec.outbound,
			timeouts:     s.timeouts,
			timeoutsDone: s.inboundDone,
		}
		rcv := &receiver{
			index:       index,
			conn:        rec.conn,
			pool:        s.pool,
			recvTimeout: s.opts.RecvTimeout,
			active:      rec.active,
			inbound:     s.inbound,
			inboundDone: s.inboundDone,
			timeouts:    s.timeouts,
		}

		rec.sender = s.rt.Spawn(fmt.Sprintf("sender-%d", index), func() error { return snd.run(rec.ctx, rec.cancel) })
		rec.recver = s.rt.Spawn(fmt.Sprintf("receiver-%d", index), func() error { return rcv.run(rec.ctx, rec.cancel) })
		rec.running = true
	})
	if !ok {
		return ErrNoSuchConn
	}
	if err != nil {
		return err
	}

	logger.Debug("conn started",
		zap.String("server_id", s.id),
		zap.Stringer("conn", index))
	return nil
}

// Send queues a copy of b for one peer. A peer whose sender has exited is
// treated as gone even before HealthCheck reaps it.
func (s *Server) Send(index ConnIndex, b []byte) error {
	var outbound chan []byte
	s.registry.Get(index, func(rec *connRecord) {
		if rec.sender != nil && !rec.sender.IsFinished() {
			outbound = rec.outbound
		}
	})
	if outbound == nil {
		return ErrNoSuchConn
	}

	select {
	case outbound <- clone(b):
		return nil
	default:
		return ErrQueueFull
	}
}

// Broadcast queues b for every peer with a live sender and returns how many
// accepted it. Full or dead peers are skipped.
func (s *Server) Broadcast(b []byte) int {
	var targets []chan []byte
	s.registry.Range(func(_ ConnIndex, rec *connRecord) bool {
		if rec.outbound != nil && rec.sender != nil && !rec.sender.IsFinished() {
			targets = append(targets, rec.outbound)
		}
		return true
	})

	n := 0
	for _, outbound := range targets {
		select {
		case outbound <- clone(b):
			n++
		default:
		}
	}
	return n
}

func (s *Server) Recv() (Datagram, bool) {
	if s.inbound == nil {
		return Datagram{}, false
	}

	select {
	case d := <-s.inbound:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (s *Server) TimeoutCheck() (Timeout, bool) {
	if s.timeouts == nil {
		return Timeout{}, false
	}

	select {
	case t := <-s.timeouts:
		return t, true
	default:
		return Timeout{}, false
	}
}

// HealthCheck reaps finished workers. A started connection whose workers are
// both gone is removed from the registry and reported as Closed.
func (s *Server) HealthCheck() ServerHealth {
	var h ServerHealth

	if s.accepter != nil && s.accepter.IsFinished() {
		h.Listener = finished(s.accepter.Join())
		s.accepter = nil
		s.listener = nil
		s.cancel()
		s.cancel = nil

		logger.Info("listener closed",
			zap.String("server_id", s.id),
			zap.Error(h.Listener.Err))
	}

	var done []ConnIndex
	s.registry.Range(func(index ConnIndex, rec *connRecord) bool {
		if (rec.sender != nil && rec.sender.IsFinished()) || (rec.recver != nil && rec.recver.IsFinished()) {
			done = append(done, index)
		}
		return true
	})
	slices.Sort(done)

	for _, index := range done {
		ch := ConnHealth{Index: index}
		s.registry.GetMut(index, func(rec *connRecord) {
			// both handles are finished here, Join does not block
			if rec.sender != nil && rec.sender.IsFinished() {
				ch.Sender = finished(rec.sender.Join())
				rec.sender = nil
			}
			if rec.recver != nil && rec.recver.IsFinished() {
				ch.Recver = finished(rec.recver.Join())
				rec.recver = nil
			}
			if rec.running && rec.sender == nil && rec.recver == nil {
				rec.outbound = nil
				ch.Closed = true
			}
		})

		if ch.Closed {
			s.registry.Remove(index)
			logger.Info("conn closed",
				zap.String("server_id", s.id),
				zap.Stringer("conn", index),
				zap.Error(ch.Err()))
		}
		h.Conns = append(h.Conns, ch)
	}

	// peers admitted while Close was running were never started
	if s.inbound == nil && s.accepter == nil {
		s.DisconnectAll()
	}

	return h
}

// Disconnect signals both workers of one peer. A peer that was never started
// is closed and removed at once.
func (s *Server) Disconnect(index ConnIndex) error {
	var started bool
	ok := s.registry.GetMut(index, func(rec *connRecord) {
		rec.cancel()
		rec.outbound = nil
		started = rec.running
	})
	if !ok {
		return ErrNoSuchConn
	}

	if !started {
		if rec, ok := s.registry.Remove(index); ok {
			if err := rec.conn.Close(); err != nil {
				logger.Debug("close unstarted conn", zap.Stringer("conn", index), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Server) DisconnectAll() {
	for _, index := range s.registry.Keys() {
		_ = s.Disconnect(index)
	}
}

// Close stops the accepter, disconnects every peer and tears down the shared
// queues. Workers still trying to deliver exit with ErrInboundClosed.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.DisconnectAll()

	if s.inboundDone != nil {
		close(s.inboundDone)
		s.inboundDone = nil
	}
	s.accepted = nil
	s.inbound = nil
	s.timeouts = nil
}

// Shutdown closes the server, waits for every worker and reaps them.
func (s *Server) Shutdown() ServerHealth {
	s.Close()
	s.rt.Wait()
	return s.HealthCheck()
}

func (s *Server) IsClosed() bool {
	return s.listener == nil &&
		s.accepter == nil &&
		s.accepted == nil &&
		s.inbound == nil &&
		s.timeouts == nil &&
		s.registry.Len() == 0
}

func (s *Server) ConnectedClients() int {
	return s.registry.Len()
}

// ClientIndices returns the admitted indices in ascending order.
func (s *Server) ClientIndices() []ConnIndex {
	return s.registry.Keys()
}

func (s *Server) HasConn(index ConnIndex) bool {
	return s.registry.Get(index, func(*connRecord) {})
}

func (s *Server) ConnInfo(index ConnIndex) (ConnInfo, bool) {
	var info ConnInfo
	ok := s.registry.Get(index, func(rec *connRecord) {
		info = rec.info()
	})
	return info, ok
}

func clone(b []byte) []byte {
	msg := make([]byte, len(b))
	copy(msg, b)
	return msg
}
