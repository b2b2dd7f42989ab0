package dtls_bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

func isTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// onceCloser closes the wrapped resource exactly once; later calls return the
// first result.
type onceCloser struct {
	once sync.Once
	c    io.Closer
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		o.err = o.c.Close()
	})
	return o.err
}

// sharedConn is the connection handed to both workers of a peer.
type sharedConn struct {
	Conn
	closer onceCloser
}

func newSharedConn(c Conn) *sharedConn {
	sc := &sharedConn{Conn: c}
	sc.closer.c = c
	return sc
}

func (c *sharedConn) Close() error {
	return c.closer.Close()
}

type sharedListener struct {
	net.Listener
	closer onceCloser
}

func newSharedListener(l net.Listener) *sharedListener {
	sl := &sharedListener{Listener: l}
	sl.closer.c = l
	return sl
}

func (l *sharedListener) Close() error {
	return l.closer.Close()
}

// cloneUDPAddr detaches a caller owned address from the facade.
func cloneUDPAddr(srcAddr *net.UDPAddr) *net.UDPAddr {
	if srcAddr == nil {
		return nil
	}

	var ip net.IP
	if srcAddr.IP != nil {
		ip = make(net.IP, len(srcAddr.IP))
		copy(ip, srcAddr.IP)
	}

	return &net.UDPAddr{
		Port: srcAddr.Port,
		Zone: srcAddr.Zone,
		IP:   ip,
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// offer blocks until v is queued. It gives up without error when ctx is done
// and with ErrInboundClosed when done is closed. A nil done never fires.
func offer[T any](ctx context.Context, ch chan<- T, v T, done <-chan struct{}) (bool, error) {
	select {
	case ch <- v:
		return true, nil
	case <-ctx.Done():
		return false, nil
	case <-done:
		if ctx.Err() != nil {
			return false, nil
		}
		return false, ErrInboundClosed
	}
}

// exitWorker runs on every worker exit: the sibling worker is signalled and
// the shared connection is closed.
func exitWorker(worker string, index ConnIndex, cancel context.CancelFunc, conn io.Closer, err error) {
	cancel()
	if cerr := conn.Close(); cerr != nil {
		logger.Debug("close conn on worker exit",
			zap.String("worker", worker),
			zap.Stringer("conn", index),
			zap.Error(cerr))
	}
	observeWorkerExit(worker, err)

	if IsPeerClosed(err) {
		logger.Info("peer closed",
			zap.String("worker", worker),
			zap.Stringer("conn", index))
		return
	}
	if err != nil {
		logger.Error("worker exited",
			zap.String("worker", worker),
			zap.Stringer("conn", index),
			zap.Error(err))
		return
	}
	logger.Debug("worker exited",
		zap.String("worker", worker),
		zap.Stringer("conn", index))
}
