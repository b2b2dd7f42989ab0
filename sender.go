package dtls_bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// sender writes queued messages to one connection in order.
type sender struct {
	index       ConnIndex
	conn        Conn
	sendTimeout time.Duration
	active      *ActiveRecorder

	outbound     <-chan []byte
	timeouts     chan<- Timeout
	timeoutsDone <-chan struct{}
}

func (s *sender) run(ctx context.Context, cancel context.CancelFunc) (err error) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer func() { exitWorker("sender", s.index, cancel, s.conn, err) }()

	for {
		if ctx.Err() != nil {
			return nil
		}

		var msg []byte
		select {
		case <-ctx.Done():
			return nil
		case msg = <-s.outbound:
		}

		// close wins over a message dequeued in the same instant
		if ctx.Err() != nil {
			return nil
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(s.sendTimeout)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &IoError{Index: s.index, Op: "set write deadline", Err: err}
		}

		n, err := s.conn.Write(msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if isTimeout(err) {
				timeoutsTotal.WithLabelValues(SendTimeout.String()).Inc()
				logger.Debug("send timeout",
					zap.Stringer("conn", s.index),
					zap.Int("bytes", len(msg)))

				ok, err := offer(ctx, s.timeouts, Timeout{Kind: SendTimeout, Index: s.index, Bytes: msg}, s.timeoutsDone)
				if err != nil {
					return &IoError{Index: s.index, Op: "deliver", Err: err}
				}
				if !ok {
					return nil
				}
				continue
			}

			return classifyConnErr(s.index, "write", err)
		}

		if n != len(msg) {
			return &IoError{Index: s.index, Op: "write", Err: fmt.Errorf("short write: %d of %d bytes", n, len(msg))}
		}

		s.active.RefreshLastWrite()
		datagramsTotal.WithLabelValues("out").Inc()
		bytesTotal.WithLabelValues("out").Add(float64(n))
	}
}
