package dtls_bridge

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// receiver moves records from one connection to the inbound queue.
type receiver struct {
	index ConnIndex
	conn  Conn
	pool  PayloadPooler

	// recvTimeout of 0 waits forever.
	recvTimeout time.Duration
	active      *ActiveRecorder

	inbound chan<- Datagram
	// inboundDone is closed when the owner tears the inbound queue down.
	inboundDone <-chan struct{}
	timeouts    chan<- Timeout
}

func (r *receiver) run(ctx context.Context, cancel context.CancelFunc) (err error) {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()
	defer func() { exitWorker("receiver", r.index, cancel, r.conn, err) }()

	buf := r.pool.Get()
	defer r.pool.Put(buf)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if r.recvTimeout > 0 {
			if err := r.conn.SetReadDeadline(time.Now().Add(r.recvTimeout)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &IoError{Index: r.index, Op: "set read deadline", Err: err}
			}
		}

		n, err := r.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if r.recvTimeout > 0 && isTimeout(err) {
				timeoutsTotal.WithLabelValues(RecvTimeout.String()).Inc()
				logger.Debug("recv timeout", zap.Stringer("conn", r.index))

				ok, err := offer(ctx, r.timeouts, Timeout{Kind: RecvTimeout, Index: r.index}, r.inboundDone)
				if err != nil {
					return &IoError{Index: r.index, Op: "deliver", Err: err}
				}
				if !ok {
					return nil
				}
				continue
			}

			return classifyConnErr(r.index, "read", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		clear(buf[:n])

		r.active.RefreshLastRead()
		datagramsTotal.WithLabelValues("in").Inc()
		bytesTotal.WithLabelValues("in").Add(float64(n))

		ok, err := offer(ctx, r.inbound, Datagram{Index: r.index, Data: data}, r.inboundDone)
		if err != nil {
			return &IoError{Index: r.index, Op: "deliver", Err: err}
		}
		if !ok {
			return nil
		}
	}
}
