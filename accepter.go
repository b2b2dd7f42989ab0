package dtls_bridge

import (
	"context"
	"errors"
	"net"

	"github.com/pion/transport/v2/udp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// accepter admits handshaken peers into the registry and announces their
// indices in admission order.
type accepter struct {
	listener   net.Listener
	registry   Registry
	maxClients int
	accepted   chan<- ConnIndex

	// next is the index handed to the next admitted peer. It outlives the
	// accepter so a restarted server never reuses an index. 0 means the
	// index space is used up.
	next *atomic.Uint64
}

func newAccepter(listener net.Listener, registry Registry, maxClients int, accepted chan<- ConnIndex, next *atomic.Uint64) *accepter {
	return &accepter{
		listener:   listener,
		registry:   registry,
		maxClients: maxClients,
		accepted:   accepted,
		next:       next,
	}
}

func isListenerClosed(err error) bool {
	return errors.Is(err, udp.ErrClosedListener) || errors.Is(err, net.ErrClosed)
}

func (a *accepter) run(ctx context.Context) (err error) {
	stop := context.AfterFunc(ctx, func() { _ = a.listener.Close() })
	defer stop()
	defer func() {
		if cerr := a.listener.Close(); cerr != nil {
			logger.Warn("close listener", zap.Error(cerr))
		}
		observeWorkerExit("accepter", err)
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isListenerClosed(err) {
				return &IoError{Op: "accept", Err: err}
			}

			// the handshake runs inside Accept; one bad peer must not stop the rest
			observeHandshake("server", err)
			logger.Warn("handshake failed", zap.Error(err))
			continue
		}
		observeHandshake("server", nil)

		if ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}

		if a.registry.Len() >= a.maxClients {
			rejectedPeersTotal.Inc()
			logger.Warn("server full, peer rejected",
				zap.String("remote", addrString(conn.RemoteAddr())),
				zap.Int("max_clients", a.maxClients))
			_ = conn.Close()
			continue
		}

		index := ConnIndex(a.next.Load())
		if index == 0 {
			_ = conn.Close()
			return ErrIndexExhausted
		}
		// wraps to 0 after the last index
		a.next.Store(uint64(index + 1))

		a.registry.Insert(index, newConnRecord(index, conn))
		logger.Info("peer admitted",
			zap.Stringer("conn", index),
			zap.String("remote", addrString(conn.RemoteAddr())))

		ok, _ := offer(ctx, a.accepted, index, nil)
		if !ok {
			return nil
		}
	}
}
